package monitor

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theirongolddev/tokmon/internal/config"
	"github.com/theirongolddev/tokmon/internal/model"
	"github.com/theirongolddev/tokmon/internal/pipeline"
)

const targetHost = "api.tokmon.test"

// TestHelperProcess is the monitored program. It only runs when re-executed
// by a test with TOKMON_WANT_HELPER set.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("TOKMON_WANT_HELPER") != "1" {
		return
	}
	body := strings.NewReader(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	resp, err := http.Post("https://"+targetHost+"/v1/chat/completions", "application/json", body)
	if err != nil {
		fmt.Fprintln(os.Stderr, "helper request:", err)
		os.Exit(2)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if os.Getenv("TOKMON_HELPER_MODE") == "hang" {
		time.Sleep(time.Minute)
	}
	os.Exit(0)
}

// helperInvocation re-executes the test binary as the monitored program.
func helperInvocation() model.Invocation {
	return model.Invocation{
		Program: os.Args[0],
		Args:    []string{"-test.run=^TestHelperProcess$"},
	}
}

func fakeUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			ID:     "chatcmpl-1",
			Object: "chat.completion",
			Model:  "gpt-4o-2024-08-06",
			Usage:  openai.Usage{PromptTokens: 1000, CompletionTokens: 500, TotalTokens: 1500},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testOptions(t *testing.T, upstream *httptest.Server, mode string) Options {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Proxy.Targets = []string{targetHost}
	cfg.Proxy.GracePeriod = "3s"
	cfg.Trust.CADir = filepath.Join(t.TempDir(), "ca")

	table, err := config.LoadPricing("")
	require.NoError(t, err)

	addr := upstream.Listener.Addr().String()
	return Options{
		Invocation: helperInvocation(),
		Config:     cfg,
		Pricing:    table,
		Env:        append(os.Environ(), "TOKMON_WANT_HELPER=1", "TOKMON_HELPER_MODE="+mode),
		// Every upstream dial lands on the fake server.
		UpstreamTLS: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // test upstream
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}
}

type recordSignal struct {
	once sync.Once
	ch   chan struct{}
}

func (r *recordSignal) OnExchange(pipeline.ExchangeEvent) {}

func (r *recordSignal) OnRecord(pipeline.RecordEvent) {
	r.once.Do(func() { close(r.ch) })
}

func TestRun_ChildCompletes(t *testing.T) {
	upstream := fakeUpstream(t)
	opts := testOptions(t, upstream, "once")

	var started bool
	opts.OnStart = func(pid int, proxyURL string) {
		started = pid > 0 && strings.HasPrefix(proxyURL, "http://127.0.0.1:")
	}

	out, err := Run(context.Background(), opts)
	require.NoError(t, err)

	assert.True(t, started)
	assert.False(t, out.Interrupted)
	assert.True(t, out.Child.Exited)
	assert.Equal(t, 0, out.Child.Code)
	assert.Equal(t, "bundled", out.PricingSource)

	require.Contains(t, out.Snapshot, "gpt-4o-2024-08-06")
	usage := out.Snapshot["gpt-4o-2024-08-06"]
	assert.Equal(t, uint64(1), usage.Requests)
	assert.Equal(t, uint64(1500), usage.TotalTokens)

	require.Len(t, out.Reports, 1)
	assert.Equal(t, "gpt-4o", out.Reports[0].PricedAs)
	assert.InDelta(t, 0.0075, out.TotalCost, 1e-9)
	assert.Zero(t, out.Unpriced)
	assert.False(t, out.Ended.Before(out.Started))
}

func TestRun_InterruptKeepsCompletedCalls(t *testing.T) {
	upstream := fakeUpstream(t)
	opts := testOptions(t, upstream, "hang")

	sig := &recordSignal{ch: make(chan struct{})}
	opts.Observers = []pipeline.Observer{sig}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-sig.ch:
			cancel()
		case <-time.After(30 * time.Second):
			cancel()
		}
	}()

	out, err := Run(ctx, opts)
	require.NoError(t, err)

	assert.True(t, out.Interrupted)
	assert.Equal(t, "terminated", out.Child.Signal)
	assert.Equal(t, uint64(1), out.Snapshot.Total().Requests)
	assert.InDelta(t, 0.0075, out.TotalCost, 1e-9)
}

func TestRun_StartupErrors(t *testing.T) {
	upstream := fakeUpstream(t)

	t.Run("missing program", func(t *testing.T) {
		opts := testOptions(t, upstream, "once")
		opts.Invocation.Program = filepath.Join(t.TempDir(), "does-not-exist")

		_, err := Run(context.Background(), opts)
		var se *StartupError
		require.True(t, errors.As(err, &se), "got %v", err)
		assert.Equal(t, "child", se.Op)
	})

	t.Run("bad listen address", func(t *testing.T) {
		opts := testOptions(t, upstream, "once")
		opts.Config.Proxy.Listen = "127.0.0.1:notaport"

		_, err := Run(context.Background(), opts)
		var se *StartupError
		require.True(t, errors.As(err, &se), "got %v", err)
		assert.Equal(t, "proxy", se.Op)
	})

	t.Run("bad grace period", func(t *testing.T) {
		opts := testOptions(t, upstream, "once")
		opts.Config.Proxy.GracePeriod = "soon"

		_, err := Run(context.Background(), opts)
		var se *StartupError
		require.True(t, errors.As(err, &se), "got %v", err)
		assert.Equal(t, "config", se.Op)
	})

	t.Run("missing pricing file", func(t *testing.T) {
		opts := testOptions(t, upstream, "once")
		opts.Pricing = nil
		opts.Config.Pricing.Path = filepath.Join(t.TempDir(), "nope.json")
		t.Setenv(config.PricingEnvVar, "")

		_, err := Run(context.Background(), opts)
		var se *StartupError
		require.True(t, errors.As(err, &se), "got %v", err)
		assert.Equal(t, "pricing", se.Op)
	})
}
