package signaling

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yazux/wrtc-signal/internal/metrics"
	"github.com/yazux/wrtc-signal/internal/ratelimit"
)

const writeWait = 1 * time.Second

// peer is one client connection. Its read loop runs on the connection's own
// goroutine, so handlers for a single connection execute strictly in arrival
// order; Deliver may be called concurrently from bus broadcasts and is
// serialized by writeMu.
type peer struct {
	id   string
	conn *websocket.Conn
	srv  *Server
	log  *slog.Logger

	limiter *ratelimit.TokenBucket

	writeMu sync.Mutex
}

var _ interface {
	ID() string
	Deliver(event string, data json.RawMessage)
} = (*peer)(nil)

func (p *peer) ID() string { return p.id }

// Deliver sends one event frame to the client. Write errors are not surfaced;
// a broken connection shows up in the read loop and triggers teardown there.
func (p *peer) Deliver(event string, data json.RawMessage) {
	buf, err := json.Marshal(envelope{Event: EventName(event), Data: data})
	if err != nil {
		p.log.Error("marshal outbound event", "event", event, "err", err)
		return
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := p.conn.WriteMessage(websocket.TextMessage, buf); err != nil {
		p.log.Debug("write failed", "event", event, "err", err)
	}
}

// run reads frames until the connection drops or a protocol violation forces a
// close. It returns when the connection is done; the caller runs the
// disconnect fan-out.
func (p *peer) run() {
	p.conn.SetReadLimit(p.srv.maxMessageBytes())

	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		if p.limiter != nil && !p.limiter.Allow(1) {
			p.srv.metrics.Inc(metrics.RateLimited)
			p.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			p.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		env, err := parseEnvelope(data)
		if err != nil {
			p.log.Debug("bad frame", "err", err)
			p.closeWith(websocket.ClosePolicyViolation, "bad message")
			return
		}

		p.srv.dispatch(p, env)
	}
}

func (p *peer) closeWith(code int, reason string) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}
