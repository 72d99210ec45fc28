package worker

import (
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/theinstashare/signal-router/internal/ipc"
	"github.com/theinstashare/signal-router/internal/metrics"
)

type fakeConn struct {
	id     string
	sent   [][]byte
	closed bool
	fail   bool
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(data []byte) error {
	if c.fail {
		return errors.New("connection closed")
	}
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func (c *fakeConn) lastSent(t *testing.T) map[string]any {
	t.Helper()
	if len(c.sent) == 0 {
		t.Fatalf("conn %s received nothing", c.id)
	}
	var out map[string]any
	if err := json.Unmarshal(c.sent[len(c.sent)-1], &out); err != nil {
		t.Fatalf("unmarshal sent: %v", err)
	}
	return out
}

type recordingSender struct {
	frames []ipc.Frame
	err    error
}

func (s *recordingSender) Send(f ipc.Frame) error {
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *recordingSender) byType(ft ipc.FrameType) []ipc.Frame {
	var out []ipc.Frame
	for _, f := range s.frames {
		if f.Type == ft {
			out = append(out, f)
		}
	}
	return out
}

func newTestWorker(t *testing.T) (*Worker, *recordingSender) {
	t.Helper()
	sender := &recordingSender{}
	w := New(0, slog.Default(), metrics.New(), sender, ipc.NewLink(16), 16)
	return w, sender
}

// register drives a successful registration end to end: claim out, grant in.
func register(t *testing.T, w *Worker, sender *recordingSender, conn *fakeConn, username string) {
	t.Helper()
	w.handleConnect(conn)
	w.handleMessage(conn.id, []byte(`{"type":"register","from":"`+username+`"}`))

	claims := sender.byType(ipc.FrameRegisterClaim)
	if len(claims) == 0 {
		t.Fatalf("no claim sent for %s", username)
	}
	claim := claims[len(claims)-1]
	if claim.Username != username {
		t.Fatalf("claim username=%q, want %q", claim.Username, username)
	}
	w.handleFrame(ipc.Frame{Type: ipc.FrameRegisterResult, Username: username, Seq: claim.Seq, Granted: true})
}

func TestRegister_AcksAndAnnounces(t *testing.T) {
	w, sender := newTestWorker(t)
	conn := &fakeConn{id: "c1"}
	register(t, w, sender, conn, "alice")

	ack := conn.lastSent(t)
	if ack["type"] != "register" || ack["success"] != true || ack["username"] != "alice" {
		t.Fatalf("ack=%v", ack)
	}

	states := sender.byType(ipc.FrameUser)
	if len(states) != 1 || !states[0].Connected || states[0].Username != "alice" {
		t.Fatalf("user frames=%v, want one connected alice", states)
	}
}

func TestRegister_DeniedClaim(t *testing.T) {
	w, sender := newTestWorker(t)
	conn := &fakeConn{id: "c1"}
	w.handleConnect(conn)
	w.handleMessage("c1", []byte(`{"type":"register","from":"carol"}`))

	claim := sender.byType(ipc.FrameRegisterClaim)[0]
	w.handleFrame(ipc.Frame{Type: ipc.FrameRegisterResult, Username: "carol", Seq: claim.Seq, Granted: false})

	ack := conn.lastSent(t)
	if ack["success"] != false || ack["username"] != "carol" {
		t.Fatalf("ack=%v, want failure for carol", ack)
	}
	// The connection stays open and unregistered.
	if conn.closed {
		t.Fatalf("connection closed after failed registration")
	}
	if len(sender.byType(ipc.FrameUser)) != 0 {
		t.Fatalf("presence announced for denied registration")
	}
}

func TestRegister_LocalDuplicateShortCircuits(t *testing.T) {
	w, sender := newTestWorker(t)
	register(t, w, sender, &fakeConn{id: "c1"}, "alice")

	other := &fakeConn{id: "c2"}
	w.handleConnect(other)
	w.handleMessage("c2", []byte(`{"type":"register","from":"alice"}`))

	if got := len(sender.byType(ipc.FrameRegisterClaim)); got != 1 {
		t.Fatalf("claims=%d, want 1 (local duplicate answered without coordinator)", got)
	}
	ack := other.lastSent(t)
	if ack["success"] != false {
		t.Fatalf("ack=%v, want failure", ack)
	}
}

func TestRegister_ConnGoneBeforeGrantRetracts(t *testing.T) {
	w, sender := newTestWorker(t)
	conn := &fakeConn{id: "c1"}
	w.handleConnect(conn)
	w.handleMessage("c1", []byte(`{"type":"register","from":"alice"}`))
	claim := sender.byType(ipc.FrameRegisterClaim)[0]

	w.handleDisconnect("c1", "transport error")
	w.handleFrame(ipc.Frame{Type: ipc.FrameRegisterResult, Username: "alice", Seq: claim.Seq, Granted: true})

	states := sender.byType(ipc.FrameUser)
	if len(states) != 1 || states[0].Connected {
		t.Fatalf("user frames=%v, want one disconnected retraction", states)
	}
}

func TestRegister_SecondUsernameWhileClaimPending(t *testing.T) {
	w, sender := newTestWorker(t)
	conn := &fakeConn{id: "c1"}
	w.handleConnect(conn)
	w.handleMessage("c1", []byte(`{"type":"register","from":"first"}`))
	w.handleMessage("c1", []byte(`{"type":"register","from":"second"}`))

	claims := sender.byType(ipc.FrameRegisterClaim)
	if len(claims) != 1 || claims[0].Username != "first" {
		t.Fatalf("claims=%v, want only the first username claimed", claims)
	}
	ack := conn.lastSent(t)
	if ack["success"] != false || ack["username"] != "second" {
		t.Fatalf("ack=%v, want failure for second", ack)
	}

	w.handleFrame(ipc.Frame{Type: ipc.FrameRegisterResult, Username: "first", Seq: claims[0].Seq, Granted: true})
	ack = conn.lastSent(t)
	if ack["success"] != true || ack["username"] != "first" {
		t.Fatalf("ack=%v, want success for first after the early reject", ack)
	}

	w.handleDisconnect("c1", "client closed")
	var retracted []string
	for _, f := range sender.byType(ipc.FrameUser) {
		if !f.Connected {
			retracted = append(retracted, f.Username)
		}
	}
	if len(retracted) != 1 || retracted[0] != "first" {
		t.Fatalf("retracted=%v, want exactly [first]", retracted)
	}

	// The connection is gone, so the username must be claimable again.
	w.handleConnect(&fakeConn{id: "c2"})
	w.handleMessage("c2", []byte(`{"type":"register","from":"first"}`))
	claims = sender.byType(ipc.FrameRegisterClaim)
	if len(claims) != 2 {
		t.Fatalf("claims=%d, want a fresh claim for the released username", len(claims))
	}
}

func TestDeregister_Idempotent(t *testing.T) {
	w, sender := newTestWorker(t)
	conn := &fakeConn{id: "c1"}
	register(t, w, sender, conn, "alice")

	w.handleMessage("c1", []byte(`{"type":"deregister","from":"alice"}`))
	w.handleMessage("c1", []byte(`{"type":"deregister","from":"alice"}`))
	// A later transport close must not fire a second disconnect transition.
	w.handleDisconnect("c1", "client closed")

	var disconnects int
	for _, f := range sender.byType(ipc.FrameUser) {
		if !f.Connected {
			disconnects++
		}
	}
	if disconnects != 1 {
		t.Fatalf("disconnect transitions=%d, want exactly 1", disconnects)
	}
}

func TestDisconnect_DeregistersOnce(t *testing.T) {
	w, sender := newTestWorker(t)
	register(t, w, sender, &fakeConn{id: "c1"}, "alice")

	w.handleDisconnect("c1", "transport error")
	w.handleDisconnect("c1", "transport error")

	var disconnects int
	for _, f := range sender.byType(ipc.FrameUser) {
		if !f.Connected {
			disconnects++
		}
	}
	if disconnects != 1 {
		t.Fatalf("disconnect transitions=%d, want exactly 1", disconnects)
	}
}

func TestRelay_LocalFirstDelivery(t *testing.T) {
	w, sender := newTestWorker(t)
	alice := &fakeConn{id: "c1"}
	bob := &fakeConn{id: "c2"}
	register(t, w, sender, alice, "alice")
	register(t, w, sender, bob, "bob")

	raw := `{"type":"offer","from":"alice","to":"bob","sdp":"v=0"}`
	w.handleMessage("c1", []byte(raw))

	if got := string(bob.sent[len(bob.sent)-1]); got != raw {
		t.Fatalf("delivered=%s, want identical envelope", got)
	}
	// Co-located recipients never traverse the coordinator.
	if got := len(sender.byType(ipc.FrameForward)); got != 0 {
		t.Fatalf("forwards=%d, want 0 for local delivery", got)
	}
}

func TestRelay_ForwardsRemoteRecipient(t *testing.T) {
	w, sender := newTestWorker(t)
	register(t, w, sender, &fakeConn{id: "c1"}, "alice")

	raw := `{"type":"offer","from":"alice","to":"bob","sdp":"v=0"}`
	w.handleMessage("c1", []byte(raw))

	forwards := sender.byType(ipc.FrameForward)
	if len(forwards) != 1 {
		t.Fatalf("forwards=%d, want 1", len(forwards))
	}
	if forwards[0].Recipient != "bob" || string(forwards[0].Data) != raw {
		t.Fatalf("forward=%+v, want verbatim envelope for bob", forwards[0])
	}
}

func TestRelay_MulticastSplitsPerRecipient(t *testing.T) {
	w, sender := newTestWorker(t)
	alice := &fakeConn{id: "c1"}
	bob := &fakeConn{id: "c2"}
	register(t, w, sender, alice, "alice")
	register(t, w, sender, bob, "bob")

	w.handleMessage("c1", []byte(`{"type":"text","from":"alice","to":["bob","carol"],"body":"hi"}`))

	if len(bob.sent) == 0 {
		t.Fatalf("local recipient got nothing")
	}
	forwards := sender.byType(ipc.FrameForward)
	if len(forwards) != 1 || forwards[0].Recipient != "carol" {
		t.Fatalf("forwards=%v, want one for carol", forwards)
	}
}

func TestRelay_IgnoresUnregisteredSender(t *testing.T) {
	w, sender := newTestWorker(t)
	bob := &fakeConn{id: "c2"}
	register(t, w, sender, bob, "bob")

	stranger := &fakeConn{id: "c9"}
	w.handleConnect(stranger)
	w.handleMessage("c9", []byte(`{"type":"offer","from":"bob","to":"bob"}`))

	if len(bob.sent) > 1 {
		t.Fatalf("spoofed envelope delivered: %s", bob.sent[len(bob.sent)-1])
	}
	if len(stranger.sent) != 0 {
		t.Fatalf("unregistered sender got a reply: %s", stranger.sent[0])
	}
}

func TestRelay_SendFailureDoesNotAbortOthers(t *testing.T) {
	w, sender := newTestWorker(t)
	alice := &fakeConn{id: "c1"}
	bob := &fakeConn{id: "c2", fail: true}
	carol := &fakeConn{id: "c3"}
	register(t, w, sender, alice, "alice")
	register(t, w, sender, bob, "bob")
	register(t, w, sender, carol, "carol")

	w.handleMessage("c1", []byte(`{"type":"text","from":"alice","to":["bob","carol"],"body":"hi"}`))

	if len(carol.sent) == 0 {
		t.Fatalf("later recipient skipped after send failure")
	}
}

func TestBroadcast_AllAndGroupScoped(t *testing.T) {
	w, sender := newTestWorker(t)
	alice := &fakeConn{id: "c1"}
	bob := &fakeConn{id: "c2"}
	register(t, w, sender, alice, "alice")
	register(t, w, sender, bob, "bob")

	w.handleFrame(ipc.Frame{Type: ipc.FrameGroupRegister, Username: "alice", GroupName: "p2p"})

	event := []byte(`{"type":"user","connected":true,"username":"dave"}`)
	w.handleFrame(ipc.Frame{Type: ipc.FrameBroadcast, GroupName: "p2p", Data: event})

	if len(alice.sent) == 0 || string(alice.sent[len(alice.sent)-1]) != string(event) {
		t.Fatalf("group member did not receive event")
	}
	bobBefore := len(bob.sent)

	w.handleFrame(ipc.Frame{Type: ipc.FrameBroadcast, Data: event})
	if len(bob.sent) != bobBefore+1 {
		t.Fatalf("global broadcast did not reach non-member")
	}
}

func TestGroupRegister_LastJoinWins(t *testing.T) {
	w, sender := newTestWorker(t)
	alice := &fakeConn{id: "c1"}
	register(t, w, sender, alice, "alice")

	w.handleFrame(ipc.Frame{Type: ipc.FrameGroupRegister, Username: "alice", GroupName: "p2p"})
	w.handleFrame(ipc.Frame{Type: ipc.FrameGroupRegister, Username: "alice", GroupName: "group_chat"})

	event := []byte(`{"type":"user","connected":true,"username":"dave"}`)
	before := len(alice.sent)
	w.handleFrame(ipc.Frame{Type: ipc.FrameBroadcast, GroupName: "p2p", Data: event})
	if len(alice.sent) != before {
		t.Fatalf("stale p2p membership still delivers")
	}
	w.handleFrame(ipc.Frame{Type: ipc.FrameBroadcast, GroupName: "group_chat", Data: event})
	if len(alice.sent) != before+1 {
		t.Fatalf("current group membership does not deliver")
	}
}

func TestForwardDelivery_DropsDepartedRecipient(t *testing.T) {
	w, _ := newTestWorker(t)
	// No such user bound; must not panic or error.
	w.handleFrame(ipc.Frame{Type: ipc.FrameForward, Recipient: "ghost", Data: []byte(`{"type":"offer"}`)})
}

func TestMalformedAndUnknownInputIgnored(t *testing.T) {
	w, sender := newTestWorker(t)
	conn := &fakeConn{id: "c1"}
	register(t, w, sender, conn, "alice")

	w.handleMessage("c1", []byte(`{"type":`))
	w.handleMessage("c1", []byte(`{"from":"alice"}`))
	w.handleFrame(ipc.Frame{Type: ipc.FrameType("mystery")})

	if len(conn.sent) != 1 {
		t.Fatalf("sent=%d envelopes, want only the registration ack", len(conn.sent))
	}
}
