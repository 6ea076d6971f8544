package signaling

import (
	"errors"
	"net/http"

	"github.com/yazux/wrtc-signal/internal/token"
)

// ErrHandshakeRejected means the bootstrap token presented at connection
// establishment failed verification. The connection is refused outright; no
// protocol event is emitted, which distinguishes handshake failures from the
// soft per-message `unauthorized` events.
var ErrHandshakeRejected = errors.New("signaling: handshake token rejected")

// Gateway validates the bootstrap token carried out-of-band on the upgrade
// request, before any session exists.
type Gateway struct {
	codec token.Codec
}

func NewGateway(codec token.Codec) Gateway {
	return Gateway{codec: codec}
}

// Authorize checks the handshake. The bootstrap token travels in the `token`
// query parameter of the upgrade request, keeping it out of the event stream.
func (g Gateway) Authorize(r *http.Request) error {
	tok := r.URL.Query().Get("token")
	if !g.codec.Verify(tok) {
		return ErrHandshakeRejected
	}
	return nil
}
