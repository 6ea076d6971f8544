package signaling

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yazux/wrtc-signal/internal/cluster"
	"github.com/yazux/wrtc-signal/internal/metrics"
	"github.com/yazux/wrtc-signal/internal/token"
)

const testSecret = "server-test-secret"

func newTestServer(t *testing.T, bus cluster.Bus) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(Config{
		Bus:     bus,
		Codec:   token.NewCodec(token.StaticSecret(testSecret)),
		Metrics: metrics.New(),
	})
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return srv, ts
}

func bootstrapToken(t *testing.T) string {
	t.Helper()
	codec := token.NewCodec(token.StaticSecret(testSecret))
	return codec.Create(token.Payload{App: "demo"})
}

func dial(t *testing.T, ts *httptest.Server, bootstrap string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/signal?token=" + url.QueryEscape(bootstrap)
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event EventName, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", event, err)
	}
	frame, err := json.Marshal(envelope{Event: event, Data: data})
	if err != nil {
		t.Fatalf("marshal %s frame: %v", event, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

// expect reads the next frame and requires the named event, decoding its
// payload into out when non-nil.
func expect(t *testing.T, conn *websocket.Conn, want EventName, out any) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read (want %s): %v", want, err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if env.Event != want {
		t.Fatalf("got event %s, want %s (data %s)", env.Event, want, env.Data)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			t.Fatalf("decode %s payload: %v", want, err)
		}
	}
}

type testClient struct {
	conn *websocket.Conn
	id   string
	auth string
}

// connect dials an instance and completes the auth handshake.
func connect(t *testing.T, ts *httptest.Server, peerInfo string) *testClient {
	t.Helper()
	conn := dial(t, ts, bootstrapToken(t))

	req := authRequest{Token: bootstrapToken(t)}
	if peerInfo != "" {
		req.PeerInfo = json.RawMessage(peerInfo)
	}
	send(t, conn, EventAuthRequest, req)

	var accept authAcceptEvent
	expect(t, conn, EventAuthAccept, &accept)

	codec := token.NewCodec(token.StaticSecret(testSecret))
	if !codec.Verify(accept.Token) {
		t.Fatalf("session token does not verify: %q", accept.Token)
	}
	id := codec.SocketID(accept.Token)
	if id == "" {
		t.Fatal("session token carries no connection identity")
	}
	return &testClient{conn: conn, id: id, auth: accept.Token}
}

func TestHandshakeRejectsBadBootstrapToken(t *testing.T) {
	_, ts := newTestServer(t, cluster.NewHub().Instance())

	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/signal?token=not-a-token"
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		conn.Close()
		t.Fatal("handshake succeeded with a bad bootstrap token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 response, got %+v", resp)
	}
}

func TestHandshakeRejectsMissingToken(t *testing.T) {
	_, ts := newTestServer(t, cluster.NewHub().Instance())

	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/signal"
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		conn.Close()
		t.Fatal("handshake succeeded without a bootstrap token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 response, got %+v", resp)
	}
}

func TestAuthAcceptIssuesBoundSessionToken(t *testing.T) {
	_, ts := newTestServer(t, cluster.NewHub().Instance())
	c := connect(t, ts, `{"name":"alice"}`)

	codec := token.NewCodec(token.StaticSecret(testSecret))
	claims, ok := codec.ResolvePayload(c.auth)
	if !ok {
		t.Fatal("session token payload does not resolve")
	}
	if claims.App != "demo" {
		t.Fatalf("app = %q, want %q", claims.App, "demo")
	}
	if claims.Socket != c.id {
		t.Fatalf("socket = %q, want %q", claims.Socket, c.id)
	}
	if !claims.ExpiresAfter(time.Now()) {
		t.Fatal("session token already expired")
	}
}

func TestAuthRejectOnBadToken(t *testing.T) {
	_, ts := newTestServer(t, cluster.NewHub().Instance())
	conn := dial(t, ts, bootstrapToken(t))

	send(t, conn, EventAuthRequest, authRequest{Token: "garbage"})

	var reject authRejectEvent
	expect(t, conn, EventAuthReject, &reject)
	if reject.Message != msgTokenInvalid {
		t.Fatalf("message = %q, want %q", reject.Message, msgTokenInvalid)
	}
}

func TestUnauthorizedWithoutSessionToken(t *testing.T) {
	_, ts := newTestServer(t, cluster.NewHub().Instance())
	conn := dial(t, ts, bootstrapToken(t))

	send(t, conn, EventRoomCreateRequest, roomCreateRequest{Room: "lobby"})

	var unauth unauthorizedEvent
	expect(t, conn, EventUnauthorized, &unauth)
	if unauth.Message != msgTokenInvalid {
		t.Fatalf("message = %q, want %q", unauth.Message, msgTokenInvalid)
	}
}

func TestUnauthorizedOnForeignSessionToken(t *testing.T) {
	_, ts := newTestServer(t, cluster.NewHub().Instance())
	c := connect(t, ts, "")

	codec := token.NewCodec(token.StaticSecret(testSecret))
	foreign := codec.Create(token.Payload{
		App:    "demo",
		Socket: "someone-else",
		Exp:    time.Now().Add(time.Hour).Unix(),
	})
	send(t, c.conn, EventRoomCreateRequest, roomCreateRequest{Room: "lobby", Auth: foreign})
	expect(t, c.conn, EventUnauthorized, nil)
}

func TestUnauthorizedOnExpiredSessionToken(t *testing.T) {
	_, ts := newTestServer(t, cluster.NewHub().Instance())
	c := connect(t, ts, "")

	codec := token.NewCodec(token.StaticSecret(testSecret))
	expired := codec.Create(token.Payload{
		App:    "demo",
		Socket: c.id,
		Exp:    time.Now().Add(-time.Minute).Unix(),
	})
	send(t, c.conn, EventRoomCreateRequest, roomCreateRequest{Room: "lobby", Auth: expired})
	expect(t, c.conn, EventUnauthorized, nil)
}

func TestRoomCreate(t *testing.T) {
	_, ts := newTestServer(t, cluster.NewHub().Instance())
	c := connect(t, ts, "")

	send(t, c.conn, EventRoomCreateRequest, roomCreateRequest{Room: "lobby", Auth: c.auth})

	var accept roomCreateAcceptEvent
	expect(t, c.conn, EventRoomCreateAccept, &accept)
	if accept.Room != "lobby" {
		t.Fatalf("room = %q, want %q", accept.Room, "lobby")
	}
}

func TestRoomCreateGeneratesName(t *testing.T) {
	srv, ts := newTestServer(t, cluster.NewHub().Instance())
	srv.newRoomName = func() string { return "generated-room" }
	c := connect(t, ts, "")

	send(t, c.conn, EventRoomCreateRequest, roomCreateRequest{Auth: c.auth})

	var accept roomCreateAcceptEvent
	expect(t, c.conn, EventRoomCreateAccept, &accept)
	if accept.Room != "generated-room" {
		t.Fatalf("room = %q, want %q", accept.Room, "generated-room")
	}
}

func TestRoomCreateConflictAcrossInstances(t *testing.T) {
	hub := cluster.NewHub()
	_, ts1 := newTestServer(t, hub.Instance())
	_, ts2 := newTestServer(t, hub.Instance())

	a := connect(t, ts1, "")
	send(t, a.conn, EventRoomCreateRequest, roomCreateRequest{Room: "lobby", Auth: a.auth})
	expect(t, a.conn, EventRoomCreateAccept, nil)

	b := connect(t, ts2, "")
	send(t, b.conn, EventRoomCreateRequest, roomCreateRequest{Room: "lobby", Auth: b.auth})

	var reject roomCreateRejectEvent
	expect(t, b.conn, EventRoomCreateReject, &reject)
	if reject.Message != msgRoomTaken {
		t.Fatalf("message = %q, want %q", reject.Message, msgRoomTaken)
	}
}

func TestRoomJoinUnknownRoom(t *testing.T) {
	_, ts := newTestServer(t, cluster.NewHub().Instance())
	c := connect(t, ts, "")

	send(t, c.conn, EventRoomJoinRequest, roomJoinRequest{Room: "nowhere", Auth: c.auth})

	var reject roomJoinRejectEvent
	expect(t, c.conn, EventRoomJoinReject, &reject)
	if reject.Message != msgRoomNotFound {
		t.Fatalf("message = %q, want %q", reject.Message, msgRoomNotFound)
	}
}

// TestRoomJoinFlowAcrossInstances drives the full lifecycle with the owner and
// the joiner on different instances: request reaches the owner only, the
// owner's acceptance joins the requester, and both sides see the membership
// change.
func TestRoomJoinFlowAcrossInstances(t *testing.T) {
	hub := cluster.NewHub()
	_, ts1 := newTestServer(t, hub.Instance())
	_, ts2 := newTestServer(t, hub.Instance())

	owner := connect(t, ts1, `{"name":"owner"}`)
	send(t, owner.conn, EventRoomCreateRequest, roomCreateRequest{Room: "lobby", Auth: owner.auth})
	expect(t, owner.conn, EventRoomCreateAccept, nil)

	joiner := connect(t, ts2, `{"name":"joiner"}`)
	send(t, joiner.conn, EventRoomJoinRequest, roomJoinRequest{Room: "lobby", Auth: joiner.auth})

	var joinReq roomJoinRequestEvent
	expect(t, owner.conn, EventRoomJoinRequest, &joinReq)
	if joinReq.Room != "lobby" {
		t.Fatalf("room = %q, want %q", joinReq.Room, "lobby")
	}
	if joinReq.PeerID != joiner.id {
		t.Fatalf("peer_id = %q, want %q", joinReq.PeerID, joiner.id)
	}
	if string(joinReq.PeerInfo) != `{"name":"joiner"}` {
		t.Fatalf("peerinfo = %s", joinReq.PeerInfo)
	}

	send(t, owner.conn, EventRoomJoinAccept, roomJoinDecision{
		PeerID: joinReq.PeerID,
		Room:   "lobby",
		Auth:   owner.auth,
	})

	var accept roomJoinAcceptEvent
	expect(t, joiner.conn, EventRoomJoinAccept, &accept)
	if accept.Room != "lobby" || accept.PeerID != joiner.id {
		t.Fatalf("accept = %+v", accept)
	}
	if len(accept.Peers) != 1 || accept.Peers[0] != owner.id {
		t.Fatalf("peers = %v, want [%s]", accept.Peers, owner.id)
	}
	if string(accept.PeersInfo[owner.id]) != `{"name":"owner"}` {
		t.Fatalf("peersinfo[owner] = %s", accept.PeersInfo[owner.id])
	}

	var joined roomUserJoinEvent
	expect(t, owner.conn, EventRoomUserJoin, &joined)
	if joined.Room != "lobby" || joined.PeerID != joiner.id {
		t.Fatalf("room-user-join = %+v", joined)
	}
	if string(joined.PeerInfo) != `{"name":"joiner"}` {
		t.Fatalf("peerinfo = %s", joined.PeerInfo)
	}
}

func TestRoomJoinRequestSkipsNonOwners(t *testing.T) {
	hub := cluster.NewHub()
	_, ts := newTestServer(t, hub.Instance())

	owner := connect(t, ts, "")
	send(t, owner.conn, EventRoomCreateRequest, roomCreateRequest{Room: "lobby", Auth: owner.auth})
	expect(t, owner.conn, EventRoomCreateAccept, nil)

	member := connect(t, ts, "")
	send(t, member.conn, EventRoomJoinRequest, roomJoinRequest{Room: "lobby", Auth: member.auth})
	expect(t, owner.conn, EventRoomJoinRequest, nil)
	send(t, owner.conn, EventRoomJoinAccept, roomJoinDecision{PeerID: member.id, Room: "lobby", Auth: owner.auth})
	expect(t, member.conn, EventRoomJoinAccept, nil)
	expect(t, owner.conn, EventRoomUserJoin, nil)

	// A later join request must reach the owner, not the ordinary member. The
	// member's next frame is the joiner's room-user-join after acceptance.
	late := connect(t, ts, "")
	send(t, late.conn, EventRoomJoinRequest, roomJoinRequest{Room: "lobby", Auth: late.auth})

	var joinReq roomJoinRequestEvent
	expect(t, owner.conn, EventRoomJoinRequest, &joinReq)
	if joinReq.PeerID != late.id {
		t.Fatalf("peer_id = %q, want %q", joinReq.PeerID, late.id)
	}

	send(t, owner.conn, EventRoomJoinAccept, roomJoinDecision{PeerID: late.id, Room: "lobby", Auth: owner.auth})
	expect(t, late.conn, EventRoomJoinAccept, nil)

	var seen roomUserJoinEvent
	expect(t, member.conn, EventRoomUserJoin, &seen)
	if seen.PeerID != late.id {
		t.Fatalf("member saw %q, want %q", seen.PeerID, late.id)
	}
}

func TestRoomJoinReject(t *testing.T) {
	hub := cluster.NewHub()
	_, ts1 := newTestServer(t, hub.Instance())
	_, ts2 := newTestServer(t, hub.Instance())

	owner := connect(t, ts1, "")
	send(t, owner.conn, EventRoomCreateRequest, roomCreateRequest{Room: "lobby", Auth: owner.auth})
	expect(t, owner.conn, EventRoomCreateAccept, nil)

	joiner := connect(t, ts2, "")
	send(t, joiner.conn, EventRoomJoinRequest, roomJoinRequest{Room: "lobby", Auth: joiner.auth})
	expect(t, owner.conn, EventRoomJoinRequest, nil)

	send(t, owner.conn, EventRoomJoinReject, roomJoinDecision{
		PeerID: joiner.id,
		Room:   "lobby",
		Auth:   owner.auth,
	})

	var reject roomJoinRejectEvent
	expect(t, joiner.conn, EventRoomJoinReject, &reject)
	if reject.Message != msgOwnerRejected {
		t.Fatalf("message = %q, want %q", reject.Message, msgOwnerRejected)
	}
	if reject.Room != "lobby" || reject.PeerID != joiner.id {
		t.Fatalf("reject = %+v", reject)
	}
}

func TestRelayAcrossInstances(t *testing.T) {
	hub := cluster.NewHub()
	_, ts1 := newTestServer(t, hub.Instance())
	_, ts2 := newTestServer(t, hub.Instance())

	a := connect(t, ts1, "")
	b := connect(t, ts2, "")

	send(t, a.conn, EventRelayICECandidate, map[string]any{
		"to":            b.id,
		"room":          "lobby",
		"ice_candidate": map[string]any{"candidate": "candidate:1 1 udp 1 10.0.0.1 4242 typ host", "sdpMLineIndex": 0},
		"auth":          a.auth,
	})

	var cand iceCandidateEvent
	expect(t, b.conn, EventICECandidate, &cand)
	if cand.PeerID != a.id {
		t.Fatalf("peer_id = %q, want sender %q", cand.PeerID, a.id)
	}
	if cand.ICECandidate.Candidate == "" {
		t.Fatal("candidate payload lost in relay")
	}

	send(t, b.conn, EventRelaySessionDescription, map[string]any{
		"to":                  a.id,
		"session_description": map[string]any{"type": "offer", "sdp": "v=0\r\n"},
		"auth":                b.auth,
	})

	var desc sessionDescriptionEvent
	expect(t, a.conn, EventSessionDescription, &desc)
	if desc.PeerID != b.id {
		t.Fatalf("peer_id = %q, want sender %q", desc.PeerID, b.id)
	}
	if desc.SessionDescription.SDP != "v=0\r\n" {
		t.Fatalf("sdp = %q", desc.SessionDescription.SDP)
	}
}

// Relaying to a peer that is not in the sender's room still goes through;
// targets are addressed by identity alone.
func TestRelayIgnoresRoomMembership(t *testing.T) {
	hub := cluster.NewHub()
	_, ts := newTestServer(t, hub.Instance())

	a := connect(t, ts, "")
	send(t, a.conn, EventRoomCreateRequest, roomCreateRequest{Room: "lobby", Auth: a.auth})
	expect(t, a.conn, EventRoomCreateAccept, nil)

	outsider := connect(t, ts, "")
	send(t, a.conn, EventRelayICECandidate, map[string]any{
		"to":            outsider.id,
		"room":          "lobby",
		"ice_candidate": map[string]any{"candidate": "candidate:1 1 udp 1 10.0.0.1 4242 typ host"},
		"auth":          a.auth,
	})

	var cand iceCandidateEvent
	expect(t, outsider.conn, EventICECandidate, &cand)
	if cand.PeerID != a.id {
		t.Fatalf("peer_id = %q, want %q", cand.PeerID, a.id)
	}
}

func TestDisconnectNotifiesRooms(t *testing.T) {
	hub := cluster.NewHub()
	_, ts1 := newTestServer(t, hub.Instance())
	_, ts2 := newTestServer(t, hub.Instance())

	owner := connect(t, ts1, "")
	send(t, owner.conn, EventRoomCreateRequest, roomCreateRequest{Room: "lobby", Auth: owner.auth})
	expect(t, owner.conn, EventRoomCreateAccept, nil)

	joiner := connect(t, ts2, `{"name":"joiner"}`)
	send(t, joiner.conn, EventRoomJoinRequest, roomJoinRequest{Room: "lobby", Auth: joiner.auth})
	expect(t, owner.conn, EventRoomJoinRequest, nil)
	send(t, owner.conn, EventRoomJoinAccept, roomJoinDecision{PeerID: joiner.id, Room: "lobby", Auth: owner.auth})
	expect(t, joiner.conn, EventRoomJoinAccept, nil)
	expect(t, owner.conn, EventRoomUserJoin, nil)

	joiner.conn.Close()

	var left roomUserLeaveEvent
	expect(t, owner.conn, EventRoomUserLeave, &left)
	if left.Room != "lobby" || left.PeerID != joiner.id {
		t.Fatalf("room-user-leave = %+v", left)
	}
	if string(left.PeerInfo) != `{"name":"joiner"}` {
		t.Fatalf("peerinfo = %s", left.PeerInfo)
	}
}

func TestUnknownEventIgnored(t *testing.T) {
	_, ts := newTestServer(t, cluster.NewHub().Instance())
	conn := dial(t, ts, bootstrapToken(t))

	send(t, conn, EventName("no-such-event"), map[string]any{})
	send(t, conn, EventAuthRequest, authRequest{Token: bootstrapToken(t)})
	expect(t, conn, EventAuthAccept, nil)
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	_, ts := newTestServer(t, cluster.NewHub().Instance())
	conn := dial(t, ts, bootstrapToken(t))

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"auth-request","extra":1}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestBinaryFrameClosesConnection(t *testing.T) {
	_, ts := newTestServer(t, cluster.NewHub().Instance())
	conn := dial(t, ts, bootstrapToken(t))

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x01}); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseUnsupportedData) {
		t.Fatalf("expected unsupported data close, got %v", err)
	}
}

func TestInboundRateLimit(t *testing.T) {
	hub := cluster.NewHub()
	srv := NewServer(Config{
		Bus:                  hub.Instance(),
		Codec:                token.NewCodec(token.StaticSecret(testSecret)),
		Metrics:              metrics.New(),
		MaxMessagesPerSecond: 1,
	})
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	conn := dial(t, ts, bootstrapToken(t))
	send(t, conn, EventAuthRequest, authRequest{Token: bootstrapToken(t)})
	send(t, conn, EventAuthRequest, authRequest{Token: bootstrapToken(t)})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
			t.Fatalf("expected policy violation close, got %v", err)
		}
		return
	}
}
