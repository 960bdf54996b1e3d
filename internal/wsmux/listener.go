package wsmux

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Listener binds the gateway's one hook into HTTP routing (spec.md §4.6,
// §6): for a request whose path and headers request a WebSocket upgrade, it
// runs the admission gate and, on success, hands the connection to a fresh
// TunnelSession. Everything else -- the static landing page, 404s, TLS
// certificate loading -- is the façade's concern and lives outside this
// package, mirroring how the teacher's HTTPServer only owns the listener
// lifecycle and defers request routing to an injected http.Handler.
//
// Listener itself has nothing to tear down, but it is the natural owner of
// "wait for every in-flight tunnel to finish", so it uses the lifecycle base
// purely as a child-tracking wait group: each admitted TunnelSession is
// registered as a shutdown child, and Drain waits for them all to finish
// their own, independent teardown.
type Listener struct {
	Logger
	admission *AdmissionConfig
	upgrader  websocket.Upgrader

	shutdown lifecycle

	mu       sync.Mutex
	draining bool
}

// NewListener creates a Listener that enforces admission against cfg.
func NewListener(logger Logger, cfg *AdmissionConfig) *Listener {
	l := &Listener{
		Logger:    logger,
		admission: cfg,
	}
	l.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	if cfg.Token != "" {
		l.upgrader.Subprotocols = []string{cfg.Token}
	}
	l.shutdown.init(logger.Fork("drain"), l)
	return l
}

// HandleOnceShutdown satisfies OnceShutdownHandler. Draining a Listener has no
// teardown action of its own; the real work is lifecycle's wg.Wait() for the
// registered tunnel children.
func (l *Listener) HandleOnceShutdown(_ error) error {
	return nil
}

// IsUpgradeRequest reports whether r is attempting a WebSocket handshake, the
// signal a façade uses to decide whether to hand the request to HandleUpgrade
// instead of serving it itself.
func IsUpgradeRequest(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

// HandleUpgrade runs the admission gate (spec.md §4.2) and, on success,
// upgrades the connection and runs a TunnelSession to completion. It writes
// the admission failure response itself and returns immediately on denial.
// This call blocks for the lifetime of the tunnel.
//
// l.mu is held from the draining re-check through AddShutdownChild so that
// registering a new tunnel with the lifecycle's child wait group can never
// race Drain's StartShutdown -> wg.Wait() transition below: either this
// registration completes first (mu serializes it ahead of Drain setting
// draining), or Drain gets the lock first, in which case the re-check below
// observes draining=true and this upgrade is rejected before ever calling
// AddShutdownChild. A concurrent wg.Add alongside wg.Wait is otherwise a
// documented WaitGroup misuse.
func (l *Listener) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	switch l.admission.Check(r) {
	case AdmitDenyIP:
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	case AdmitDenyToken:
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	case AdmitDenyPath:
		dropConnection(w)
		return
	}

	l.mu.Lock()
	if l.draining {
		l.mu.Unlock()
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.mu.Unlock()
		l.WLogf("upgrade failed: %s", err)
		return
	}

	tunnel := NewTunnelSession(l.Fork("tunnel %s", r.RemoteAddr), ws)
	l.shutdown.AddShutdownChild(tunnel)
	l.mu.Unlock()

	tunnel.Run()
}

// Drain stops admitting new tunnels and blocks until every tunnel already in
// flight finishes its own teardown naturally (client disconnect, read error),
// or ctx expires first. draining is flipped and StartShutdown is called
// under the same lock HandleUpgrade holds across its own registration, so no
// AddShutdownChild call can still be in flight once StartShutdown's goroutine
// reaches wg.Wait().
func (l *Listener) Drain(ctx context.Context) error {
	l.mu.Lock()
	l.draining = true
	l.shutdown.StartShutdown(nil)
	l.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- l.shutdown.WaitShutdown() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dropConnection closes the underlying TCP connection without writing any
// HTTP response, per spec.md §4.2's path-mismatch behavior.
func dropConnection(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	conn.Close()
}
