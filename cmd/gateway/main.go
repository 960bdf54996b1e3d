// Command gateway runs the WebSocket-framed tunneling gateway described in
// spec.md: it multiplexes virtual TCP and UDP connections for a remote
// client over one authenticated WebSocket. Everything outside the mux engine
// -- the static landing page, TLS certificate generation, human-readable log
// formatting -- is deliberately minimal here; the engineering lives in
// internal/wsmux.
package main

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpillora/requestlog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sammck-go/wsmuxgw/internal/gwconfig"
	"github.com/sammck-go/wsmuxgw/internal/wsmux"
)

func main() {
	cfg := gwconfig.FromEnv()

	logLevel := wsmux.LogLevelInfo
	if os.Getenv("DEBUG") != "" {
		logLevel = wsmux.LogLevelDebug
	}
	logger := wsmux.NewLogger("gateway", logLevel)

	admission := wsmux.NewAdmissionConfig(cfg.WSPath, cfg.Token, cfg.CIDRs)
	listener := wsmux.NewListener(logger.Fork("listener"), admission)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if wsmux.IsUpgradeRequest(r) {
			listener.HandleUpgrade(w, r)
			return
		}
		serveFacade(w, r)
	})

	var handler http.Handler = mux
	if logLevel >= wsmux.LogLevelDebug {
		handler = requestlog.Wrap(handler)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler,
	}

	if cfg.UseTLS {
		watcher, err := gwconfig.NewCertWatcher(cfg.CertFile, cfg.KeyFile, logger.Fork("tls"))
		if err != nil {
			logger.Errorf("failed to load TLS certificate: %s", err)
			os.Exit(1)
		}
		srv.TLSConfig = &tls.Config{GetCertificate: watcher.GetCertificate}
	}

	errCh := make(chan error, 1)
	go func() {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			errCh <- err
			return
		}
		logger.ILogf("listening on %s (tls=%v, path=%s)", srv.Addr, cfg.UseTLS, cfg.WSPath)
		if cfg.UseTLS {
			errCh <- srv.ServeTLS(ln, "", "")
		} else {
			errCh <- srv.Serve(ln)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %s", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		logger.ILogf("received %s, draining", sig)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WLogf("HTTP shutdown incomplete: %s", err)
		}
		cancel()

		drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := listener.Drain(drainCtx); err != nil {
			logger.WLogf("tunnel drain incomplete: %s", err)
		}
	}
}

// serveFacade is a placeholder for the out-of-scope HTTP façade (spec.md §1):
// in a real deployment this serves the bundled demo page and handles 404s.
func serveFacade(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("wsmux tunnel gateway\n"))
}
