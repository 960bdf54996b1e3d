// Package gwconfig loads the gateway's environment-style configuration
// (spec.md §6) the same way the teacher's ProxyServerConfig is populated: a
// plain struct filled in by main, no flags/config third-party library.
package gwconfig

import (
	"os"
	"strconv"
	"strings"
)

// Config holds every key in spec.md §6's configuration table.
type Config struct {
	Port     string
	WSPath   string
	Token    string
	CIDRs    []string
	UseTLS   bool
	CertFile string
	KeyFile  string
}

// FromEnv loads a Config from the process environment, applying spec.md §6's
// defaults for anything unset.
func FromEnv() *Config {
	c := &Config{
		Port:   getenv("PORT", "8080"),
		WSPath: getenv("WS_PATH", "/ws"),
		Token:  getenv("TOKEN", ""),
		CIDRs:  splitCSV(getenv("CIDRS", "0.0.0.0/0,::/0")),
	}
	c.UseTLS, _ = strconv.ParseBool(getenv("USE_TLS", "false"))
	c.CertFile = getenv("CERT_FILE", "")
	c.KeyFile = getenv("KEY_FILE", "")
	return c
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
