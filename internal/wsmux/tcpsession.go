package wsmux

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/sizestr"
	"github.com/sammck-go/wsmuxgw/internal/metrics"
)

// TCPSession owns one outbound TCP stream bound to one virtual connection id
// (spec.md §4.3). Its state machine is Dialing -> Established -> Closed.
type TCPSession struct {
	tunnel *TunnelSession
	logger Logger
	cid    string
	target string

	mu             sync.Mutex
	conn           net.Conn
	closed         bool
	closedByClient bool

	bytesIn  int64
	bytesOut int64
}

func newTCPSession(t *TunnelSession, cid, target string) *TCPSession {
	return &TCPSession{
		tunnel: t,
		logger: t.Fork("tcp[%s]", cid),
		cid:    cid,
		target: target,
	}
}

// start dials the outbound stream and, on success, registers the session,
// flushes any initial bytes, emits CONNECTED, and runs the outbound->client
// pump. It returns once the session has fully terminated.
func (s *TCPSession) start(initial []byte) {
	dialer := net.Dialer{}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	conn, err := dialer.DialContext(ctx, "tcp", s.target)
	if err != nil {
		metrics.TCPDialFailuresTotal.Inc()
		s.logger.DLogf("dial %s failed: %s", s.target, err)
		s.tunnel.send(websocket.TextMessage, []byte(EncodeClose(s.cid)))
		return
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	if !s.tunnel.insertTCP(s.cid, s) {
		conn.Close()
		return
	}
	metrics.TCPSessionsActive.Inc()
	defer metrics.TCPSessionsActive.Dec()

	if len(initial) > 0 {
		if _, err := conn.Write(initial); err != nil {
			s.terminate(err)
			return
		}
		s.mu.Lock()
		s.bytesOut += int64(len(initial))
		s.mu.Unlock()
	}

	s.tunnel.send(websocket.TextMessage, []byte(EncodeConnected(s.cid)))

	s.pumpFromRemote()
}

// pumpFromRemote is the Outbound->Client flow: every read is framed as a
// binary DATA:cid| message. It runs until the remote stream ends or errors.
func (s *TCPSession) pumpFromRemote() {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			msg := append(EncodeData(s.cid), buf[:n]...)
			s.tunnel.send(websocket.BinaryMessage, msg)
			s.mu.Lock()
			s.bytesIn += int64(n)
			s.mu.Unlock()
			metrics.BytesTransferredTotal.WithLabelValues("tcp", "in").Add(float64(n))
		}
		if err != nil {
			s.terminate(err)
			return
		}
	}
}

// writeFromClient is the Client->Outbound flow: DATA frames targeting this CID
// are written in arrival order. Writes after the stream has closed are
// silently dropped.
func (s *TCPSession) writeFromClient(payload []byte) {
	s.mu.Lock()
	conn := s.conn
	closed := s.closed
	s.mu.Unlock()
	if closed || conn == nil || len(payload) == 0 {
		return
	}
	if _, err := conn.Write(payload); err != nil {
		s.terminate(err)
		return
	}
	s.mu.Lock()
	s.bytesOut += int64(len(payload))
	s.mu.Unlock()
	metrics.BytesTransferredTotal.WithLabelValues("tcp", "out").Add(float64(len(payload)))
}

// terminate handles a remote-side clean end or error: emit CLOSE:cid (unless
// the client already initiated the close), remove from the tunnel's table,
// and release the socket.
func (s *TCPSession) terminate(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	byClient := s.closedByClient
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.tunnel.removeTCP(s.cid, s)

	if byClient {
		return
	}
	if err != nil && !isNormalClose(err) {
		s.logger.WLogf("outbound stream error: %s", err)
	}
	s.logger.DLogf("closed (in=%s out=%s)", sizestr.ToString(s.bytesIn), sizestr.ToString(s.bytesOut))
	s.tunnel.send(websocket.TextMessage, []byte(EncodeClose(s.cid)))
}

// closeFromClient handles an explicit client CLOSE:cid, or tunnel teardown:
// destroy the outbound stream without echoing a CLOSE frame back.
func (s *TCPSession) closeFromClient() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.closedByClient = true
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}
