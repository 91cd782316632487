package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/tokmon/internal/certs"
	"github.com/theirongolddev/tokmon/internal/store"
)

var flagRegenerate bool

var trustCmd = &cobra.Command{
	Use:   "trust",
	Short: "Create or show the tokmon CA and trust bundle",
	Long: `Ensure the local CA used to intercept API traffic exists and print its
paths. Programs run under tokmon trust it through SSL_CERT_FILE and related
variables; other tools can be pointed at the bundle by hand.`,
	Args: cobra.NoArgs,
	RunE: runTrust,
}

func init() {
	trustCmd.Flags().BoolVar(&flagRegenerate, "regenerate", false, "Replace the CA with a fresh one")
	rootCmd.AddCommand(trustCmd)
}

func runTrust(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	var mat *certs.Material
	if flagRegenerate {
		mat, err = certs.Regenerate(cfg.Trust.CADir)
	} else {
		mat, err = certs.EnsureTrustMaterial(cfg.Trust.CADir)
	}
	if err != nil {
		return err
	}

	leaves := "unavailable"
	if cache, err := store.Open(mat.LeafDBPath()); err == nil {
		if flagRegenerate {
			_ = cache.DeleteForOtherCAs(mat.Fingerprint())
		}
		if n, err := cache.LeafCount(); err == nil {
			leaves = fmt.Sprintf("%d", n)
		}
		_ = cache.Close()
	}

	if flagRegenerate {
		fmt.Println("  Generated a new CA.")
	}
	fmt.Printf("  CA certificate: %s\n", mat.CertPath)
	fmt.Printf("  CA key:         %s\n", mat.KeyPath)
	fmt.Printf("  Trust bundle:   %s\n", mat.BundlePath)
	fmt.Printf("  Fingerprint:    %s\n", mat.Fingerprint())
	fmt.Printf("  Expires:        %s\n", mat.Cert.NotAfter.Local().Format("2006-01-02"))
	fmt.Printf("  Cached leaves:  %s\n", leaves)
	return nil
}
