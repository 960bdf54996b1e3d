package gwconfig

import (
	"crypto/tls"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// CertWatcher serves the current keypair loaded from CertFile/KeyFile and
// hot-reloads it whenever either file changes on disk, so an operator can
// rotate a certificate without restarting the gateway. TLS certificate
// *loading* is explicitly out of scope for the tunnel engine (spec.md §1),
// but reload is ambient process lifecycle, not a mux concern, so it lives
// here rather than in internal/wsmux.
type CertWatcher struct {
	certFile, keyFile string
	logger            interface {
		DLogf(string, ...interface{})
		WLogf(string, ...interface{})
	}

	cur atomic.Value // *tls.Certificate
}

// NewCertWatcher loads the initial keypair and starts watching for changes.
// The returned watcher's GetCertificate method is suitable for
// tls.Config.GetCertificate. Watching runs for the life of the process;
// CertWatcher has no method to stop it.
func NewCertWatcher(certFile, keyFile string, logger interface {
	DLogf(string, ...interface{})
	WLogf(string, ...interface{})
}) (*CertWatcher, error) {
	w := &CertWatcher{certFile: certFile, keyFile: keyFile, logger: logger}
	if err := w.reload(); err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(certFile); err != nil {
		fw.Close()
		return nil, err
	}
	if err := fw.Add(keyFile); err != nil {
		fw.Close()
		return nil, err
	}
	go w.watch(fw)
	return w, nil
}

func (w *CertWatcher) watch(fw *fsnotify.Watcher) {
	defer fw.Close()
	for {
		select {
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := w.reload(); err != nil {
				w.logger.WLogf("cert reload failed: %s", err)
				continue
			}
			w.logger.DLogf("reloaded TLS certificate from %s", w.certFile)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.WLogf("cert watcher error: %s", err)
		}
	}
}

func (w *CertWatcher) reload() error {
	cert, err := tls.LoadX509KeyPair(w.certFile, w.keyFile)
	if err != nil {
		return err
	}
	w.cur.Store(&cert)
	return nil
}

// GetCertificate implements the tls.Config.GetCertificate hook.
func (w *CertWatcher) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return w.cur.Load().(*tls.Certificate), nil
}
