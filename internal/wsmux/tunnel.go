package wsmux

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sammck-go/wsmuxgw/internal/metrics"
)

// outMessage is one queued outbound WebSocket message.
type outMessage struct {
	kind int // websocket.TextMessage or websocket.BinaryMessage
	data []byte
}

// TunnelSession is the per-WebSocket owner of a tunnel's virtual TCP and UDP
// connection tables (spec.md §4.5). It owns exactly one *websocket.Conn,
// dispatches every inbound frame to the right session, and is the sole writer
// of the connection -- per the teacher's design notes on replacing per-frame
// callbacks with structured concurrency, all outbound frames are funneled
// through one owned send queue rather than written directly by whichever
// session goroutine produced them.
type TunnelSession struct {
	Logger

	ws *websocket.Conn

	sendCh chan outMessage
	doneCh chan struct{}

	mu   sync.Mutex
	tcp  map[string]*TCPSession
	udp  map[string]*UDPFlow
	dead bool
}

// NewTunnelSession wraps an already-upgraded WebSocket connection. The caller
// must call Run to begin dispatching frames.
func NewTunnelSession(logger Logger, ws *websocket.Conn) *TunnelSession {
	return &TunnelSession{
		Logger: logger,
		ws:     ws,
		sendCh: make(chan outMessage, 64),
		doneCh: make(chan struct{}),
		tcp:    make(map[string]*TCPSession),
		udp:    make(map[string]*UDPFlow),
	}
}

// Run dispatches frames until the WebSocket closes or errors, then tears down
// every owned session. It returns only after teardown completes.
func (t *TunnelSession) Run() {
	metrics.TunnelsActive.Inc()
	defer metrics.TunnelsActive.Dec()

	go t.writeLoop()

	t.ws.SetPingHandler(func(payload string) error {
		return t.ws.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(5*time.Second))
	})

	for {
		kind, data, err := t.ws.ReadMessage()
		if err != nil {
			if !isNormalClose(err) {
				t.WLogf("WebSocket read error: %s", err)
			}
			break
		}
		switch kind {
		case websocket.TextMessage:
			t.dispatchText(string(data))
		case websocket.BinaryMessage:
			t.dispatchBinary(data)
		}
	}

	t.teardown()
}

// dispatchText handles one text (control) frame. Unrecognized tags, wrong
// field counts, and empty CIDs leave every table unchanged (spec.md §4.1, §8).
func (t *TunnelSession) dispatchText(msg string) {
	frame, ok := ParseTextFrame(msg)
	if !ok {
		metrics.FramesDroppedTotal.Inc()
		return
	}
	switch frame.Tag {
	case TagTCP:
		t.handleTCPOpen(frame)
	case TagClose:
		t.handleTCPClose(frame.Fields[0])
	case TagUDPConnect:
		t.handleUDPOpen(frame)
	case TagUDPClose:
		t.handleUDPClose(frame.Fields[0])
	case TagClaim:
		t.send(websocket.TextMessage, []byte(EncodeClaimAck(frame.Fields[0], frame.Fields[1])))
	case TagData:
		// Text-mode DATA: spec.md §9 documents this path as accepting the text
		// payload verbatim as the byte stream to write.
		t.handleTCPData(frame.Fields[0], []byte(frame.Fields[1]))
	default:
		metrics.FramesDroppedTotal.Inc()
	}
}

// dispatchBinary handles one binary (data-bearing) frame.
func (t *TunnelSession) dispatchBinary(msg []byte) {
	frame, ok := ParseBinaryFrame(msg)
	if !ok {
		metrics.FramesDroppedTotal.Inc()
		return
	}
	switch frame.Tag {
	case TagData:
		t.handleTCPData(frame.Fields[0], frame.Payload)
	case TagUDPData:
		t.handleUDPData(frame.Fields[0], frame.Payload)
	default:
		metrics.FramesDroppedTotal.Inc()
	}
}

func (t *TunnelSession) handleTCPOpen(frame Frame) {
	cid := frame.Fields[0]
	target := frame.Fields[1]
	var initial []byte
	if len(frame.Fields) > 2 {
		initial = []byte(frame.Fields[2])
	}

	// The session is only inserted into the table on successful dial (spec.md
	// §4.3); while Dialing, DATA/CLOSE frames for this CID are simply dropped
	// as unknown-CID frames, which spec.md explicitly permits.
	sess := newTCPSession(t, cid, target)
	go sess.start(initial)
}

// insertTCP adds a newly-connected TCP session to the table, unless the
// tunnel has already torn down or the CID was reused while dialing (client
// error; the invariant in spec.md §3 says at most one live connection per
// CID, so the newcomer loses).
func (t *TunnelSession) insertTCP(cid string, sess *TCPSession) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dead {
		return false
	}
	if _, exists := t.tcp[cid]; exists {
		return false
	}
	t.tcp[cid] = sess
	return true
}

func (t *TunnelSession) handleTCPData(cid string, payload []byte) {
	t.mu.Lock()
	sess := t.tcp[cid]
	t.mu.Unlock()
	if sess == nil {
		metrics.FramesDroppedTotal.Inc()
		return
	}
	sess.writeFromClient(payload)
}

func (t *TunnelSession) handleTCPClose(cid string) {
	t.mu.Lock()
	sess := t.tcp[cid]
	delete(t.tcp, cid)
	t.mu.Unlock()
	if sess == nil {
		return
	}
	sess.closeFromClient()
}

func (t *TunnelSession) handleUDPOpen(frame Frame) {
	cid := frame.Fields[0]
	target := frame.Fields[1]

	t.mu.Lock()
	if t.dead {
		t.mu.Unlock()
		return
	}
	if _, exists := t.udp[cid]; exists {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	flow, err := newUDPFlow(t, cid, target)
	if err != nil {
		t.DLogf("UDP open %s failed: %s", cid, err)
		return
	}

	t.mu.Lock()
	if t.dead {
		t.mu.Unlock()
		flow.destroy()
		return
	}
	t.udp[cid] = flow
	t.mu.Unlock()

	flow.start()
}

func (t *TunnelSession) handleUDPData(cid string, payload []byte) {
	t.mu.Lock()
	flow := t.udp[cid]
	t.mu.Unlock()
	if flow == nil {
		metrics.FramesDroppedTotal.Inc()
		return
	}
	flow.writeFromClient(payload)
}

func (t *TunnelSession) handleUDPClose(cid string) {
	t.mu.Lock()
	flow := t.udp[cid]
	delete(t.udp, cid)
	t.mu.Unlock()
	if flow == nil {
		return
	}
	flow.destroy()
}

// removeTCP is called by a TCPSession on its own (non-client-initiated)
// termination, so the tunnel stops routing further DATA/CLOSE to it.
func (t *TunnelSession) removeTCP(cid string, sess *TCPSession) {
	t.mu.Lock()
	if t.tcp[cid] == sess {
		delete(t.tcp, cid)
	}
	t.mu.Unlock()
}

// StartShutdown, ShutdownDoneChan, and WaitShutdown satisfy AsyncShutdowner so
// a Listener can track a TunnelSession as a shutdown child without forcing its
// own teardown logic on it: closing the WebSocket is enough to unblock Run's
// ReadMessage loop, which then runs the tunnel's own teardown as usual.
func (t *TunnelSession) StartShutdown(_ error) {
	t.ws.Close()
}

func (t *TunnelSession) ShutdownDoneChan() <-chan struct{} {
	return t.doneCh
}

func (t *TunnelSession) WaitShutdown() error {
	<-t.doneCh
	return nil
}

// send enqueues an outbound frame. It is safe to call concurrently from any
// session goroutine; writeLoop is the only goroutine that touches t.ws for
// writing. Sends after teardown are dropped.
func (t *TunnelSession) send(kind int, data []byte) {
	select {
	case t.sendCh <- outMessage{kind: kind, data: data}:
	case <-t.doneCh:
	}
}

func (t *TunnelSession) writeLoop() {
	for {
		select {
		case m := <-t.sendCh:
			if err := t.ws.WriteMessage(m.kind, m.data); err != nil {
				if !isNormalClose(err) {
					t.WLogf("WebSocket write error: %s", err)
				}
				return
			}
		case <-t.doneCh:
			return
		}
	}
}

// teardown destroys every owned TCP session and UDP flow, exactly once,
// idempotently, emitting no further frames (spec.md §4.5, §7).
func (t *TunnelSession) teardown() {
	t.mu.Lock()
	if t.dead {
		t.mu.Unlock()
		return
	}
	t.dead = true
	tcp := t.tcp
	udp := t.udp
	t.tcp = nil
	t.udp = nil
	t.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range tcp {
		wg.Add(1)
		go func(s *TCPSession) {
			defer wg.Done()
			s.closeFromClient()
		}(sess)
	}
	for _, flow := range udp {
		wg.Add(1)
		go func(f *UDPFlow) {
			defer wg.Done()
			f.destroy()
		}(flow)
	}
	wg.Wait()

	close(t.doneCh)
	t.ws.Close()
}
