package wsmux

import (
	"net"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/jpillora/sizestr"
	"github.com/sammck-go/wsmuxgw/internal/metrics"
)

// UDPFlow owns one bound UDP endpoint plus a sticky target address for one
// virtual connection id (spec.md §4.4). Unlike a TCPSession it only ever
// terminates on an explicit UDP_CLOSE or tunnel teardown -- transient socket
// errors are reported to the client but never close the flow.
type UDPFlow struct {
	tunnel *TunnelSession
	logger Logger
	cid    string
	sticky *net.UDPAddr

	conn *net.UDPConn

	mu       sync.Mutex
	closed   bool
	bytesIn  int64
	bytesOut int64
}

func newUDPFlow(t *TunnelSession, cid, target string) (*UDPFlow, error) {
	sticky, err := net.ResolveUDPAddr("udp4", target)
	if err != nil {
		return nil, t.Errorf("resolve UDP target %q: %w", target, err)
	}
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, t.Errorf("bind UDP socket: %w", err)
	}
	return &UDPFlow{
		tunnel: t,
		logger: t.Fork("udp[%s]", cid),
		cid:    cid,
		sticky: sticky,
		conn:   conn,
	}, nil
}

// start announces the bound socket and begins the Remote->Client pump.
func (f *UDPFlow) start() {
	metrics.UDPFlowsActive.Inc()
	f.tunnel.send(websocket.TextMessage, []byte(EncodeUDPConnected(f.cid)))
	go f.pumpFromRemote()
}

// pumpFromRemote reads datagrams and frames each as UDP_DATA:cid|src|payload,
// annotating the true origin address rather than always the sticky target.
func (f *UDPFlow) pumpFromRemote() {
	buf := make([]byte, 64*1024)
	for {
		n, src, err := f.conn.ReadFromUDP(buf)
		if n > 0 {
			header := EncodeUDPData(f.cid, src.String())
			msg := append(header, buf[:n]...)
			f.tunnel.send(websocket.BinaryMessage, msg)
			f.mu.Lock()
			f.bytesIn += int64(n)
			f.mu.Unlock()
			metrics.BytesTransferredTotal.WithLabelValues("udp", "in").Add(float64(n))
		}
		if err != nil {
			f.mu.Lock()
			closed := f.closed
			f.mu.Unlock()
			if closed || isNormalClose(err) {
				return
			}
			f.logger.DLogf("read error: %s", err)
			metrics.UDPErrorsTotal.Inc()
			f.tunnel.send(websocket.TextMessage, []byte(EncodeUDPError(f.cid, err.Error())))
		}
	}
}

// writeFromClient sends one datagram to the sticky target. Send errors are
// reported as UDP_ERROR but never close the flow.
func (f *UDPFlow) writeFromClient(payload []byte) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return
	}
	if _, err := f.conn.WriteToUDP(payload, f.sticky); err != nil {
		metrics.UDPErrorsTotal.Inc()
		f.tunnel.send(websocket.TextMessage, []byte(EncodeUDPError(f.cid, err.Error())))
		return
	}
	f.mu.Lock()
	f.bytesOut += int64(len(payload))
	f.mu.Unlock()
	metrics.BytesTransferredTotal.WithLabelValues("udp", "out").Add(float64(len(payload)))
}

// destroy closes the socket and releases the flow. Idempotent; emits nothing.
func (f *UDPFlow) destroy() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.mu.Unlock()

	f.conn.Close()
	metrics.UDPFlowsActive.Dec()
	f.logger.DLogf("closed (in=%s out=%s)", sizestr.ToString(f.bytesIn), sizestr.ToString(f.bytesOut))
}
