// Package supervisor launches the monitored program with its HTTPS traffic
// redirected through the proxy and tracks it until exit.
package supervisor

import "strings"

// ProxyEnvVars point HTTPS clients at the proxy.
var ProxyEnvVars = []string{"HTTPS_PROXY", "https_proxy"}

// CAEnvVars point common TLS stacks at the trust bundle: OpenSSL and Go
// (SSL_CERT_FILE), Python requests, curl, Node and git.
var CAEnvVars = []string{
	"SSL_CERT_FILE",
	"REQUESTS_CA_BUNDLE",
	"CURL_CA_BUNDLE",
	"NODE_EXTRA_CA_CERTS",
	"GIT_SSL_CAINFO",
}

// InjectedEnv returns base with the proxy and trust variables set, replacing
// any values base already had for them. base is not modified.
func InjectedEnv(base []string, proxyURL, caBundle string) []string {
	set := make(map[string]string, len(ProxyEnvVars)+len(CAEnvVars))
	for _, k := range ProxyEnvVars {
		set[k] = proxyURL
	}
	for _, k := range CAEnvVars {
		set[k] = caBundle
	}

	env := make([]string, 0, len(base)+len(set))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, ok := set[k]; ok {
			continue
		}
		env = append(env, kv)
	}
	for _, k := range ProxyEnvVars {
		env = append(env, k+"="+set[k])
	}
	for _, k := range CAEnvVars {
		env = append(env, k+"="+set[k])
	}
	return env
}
