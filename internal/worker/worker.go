// Package worker implements one routing shard: the registry of locally
// attached client connections and the message router driven by them.
//
// Each worker runs a single event-loop goroutine. All shard state lives in
// that loop, so nothing here takes a lock; the transport and the coordinator
// reach the loop exclusively through channels.
package worker

import (
	"context"
	"log/slog"

	"github.com/theinstashare/signal-router/internal/ipc"
	"github.com/theinstashare/signal-router/internal/metrics"
	"github.com/theinstashare/signal-router/internal/protocol"
)

// Conn is the transport-level handle to one client. Send is best-effort: it
// fails silently from the router's perspective once the connection closed.
type Conn interface {
	ID() string
	Send(data []byte) error
	Close() error
}

type eventKind int

const (
	evConnect eventKind = iota
	evMessage
	evDisconnect
)

type event struct {
	kind   eventKind
	conn   Conn
	connID string
	data   []byte
	reason string
}

type pendingClaim struct {
	username string
	connID   string
}

// Worker owns one shard's connections and routes their messages locally or
// via the coordinator.
type Worker struct {
	id      int
	log     *slog.Logger
	metrics *metrics.Metrics

	toCoord   ipc.Sender
	fromCoord *ipc.Link
	events    chan event

	// Loop-owned state.
	conns     map[string]Conn
	users     map[string]string // username -> connID
	connUsers map[string]string // connID -> username
	pending   map[uint64]pendingClaim
	claiming  map[string]uint64 // connID -> in-flight claim seq
	claimSeq  uint64
	groups    map[string]map[string]struct{} // group -> local member usernames
	userGroup map[string]string              // local username -> group
}

func New(id int, logger *slog.Logger, m *metrics.Metrics, toCoord ipc.Sender, fromCoord *ipc.Link, eventDepth int) *Worker {
	if eventDepth <= 0 {
		eventDepth = 1
	}
	return &Worker{
		id:        id,
		log:       logger.With("worker", id),
		metrics:   m,
		toCoord:   toCoord,
		fromCoord: fromCoord,
		events:    make(chan event, eventDepth),
		conns:     make(map[string]Conn),
		users:     make(map[string]string),
		connUsers: make(map[string]string),
		pending:   make(map[uint64]pendingClaim),
		claiming:  make(map[string]uint64),
		groups:    make(map[string]map[string]struct{}),
		userGroup: make(map[string]string),
	}
}

// OnConnect hands a new client connection to the shard.
func (w *Worker) OnConnect(conn Conn) {
	w.events <- event{kind: evConnect, conn: conn}
}

// OnMessage hands one inbound client message to the shard.
func (w *Worker) OnMessage(connID string, data []byte) {
	w.events <- event{kind: evMessage, connID: connID, data: data}
}

// OnDisconnect reports a closed client connection.
func (w *Worker) OnDisconnect(connID, reason string) {
	w.events <- event{kind: evDisconnect, connID: connID, reason: reason}
}

// Run is the shard's event loop.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-w.events:
			switch ev.kind {
			case evConnect:
				w.handleConnect(ev.conn)
			case evMessage:
				w.handleMessage(ev.connID, ev.data)
			case evDisconnect:
				w.handleDisconnect(ev.connID, ev.reason)
			}
		case frame, ok := <-w.fromCoord.Recv():
			if !ok {
				w.log.Warn("coordinator channel closed")
				return nil
			}
			w.handleFrame(frame)
		}
	}
}

func (w *Worker) handleConnect(conn Conn) {
	w.conns[conn.ID()] = conn
	w.log.Debug("connection attached", "conn", conn.ID())
}

func (w *Worker) handleMessage(connID string, data []byte) {
	if _, ok := w.conns[connID]; !ok {
		// The transport raced a close; nothing to do.
		return
	}

	env, err := protocol.Parse(data)
	if err != nil {
		w.log.Debug("dropping malformed message", "conn", connID, "err", err)
		return
	}

	switch env.Type {
	case protocol.TypeRegister:
		w.handleRegister(connID, env)
	case protocol.TypeDeregister:
		w.deregister(connID)
	default:
		w.relay(connID, env)
	}
}

// handleRegister starts a registration. The uniqueness check must be global,
// so the username is claimed at the coordinator; the ack is only sent once
// the claim result arrives (see handleClaimResult).
func (w *Worker) handleRegister(connID string, env *protocol.Envelope) {
	username := env.From
	if username == "" {
		return
	}

	// A username already bound on this shard cannot be claimed again; answer
	// locally without bothering the coordinator.
	if _, bound := w.users[username]; bound {
		w.metrics.Inc(metrics.DuplicateRegisters)
		w.ack(connID, username, false)
		return
	}
	// One live registration per connection.
	if _, bound := w.connUsers[connID]; bound {
		w.ack(connID, username, false)
		return
	}
	// Only one claim may be in flight per connection. A second register
	// before the first result would get both usernames granted and bound to
	// the same socket, and only the last one retracted on disconnect.
	if _, inFlight := w.claiming[connID]; inFlight {
		w.ack(connID, username, false)
		return
	}

	w.claimSeq++
	seq := w.claimSeq
	w.pending[seq] = pendingClaim{username: username, connID: connID}
	w.claiming[connID] = seq
	err := w.toCoord.Send(ipc.Frame{
		Type:     ipc.FrameRegisterClaim,
		WorkerID: w.id,
		Username: username,
		Seq:      seq,
	})
	if err != nil {
		delete(w.pending, seq)
		delete(w.claiming, connID)
		w.log.Warn("registration claim dropped", "username", username, "err", err)
		w.ack(connID, username, false)
	}
}

func (w *Worker) handleClaimResult(frame ipc.Frame) {
	claim, ok := w.pending[frame.Seq]
	if !ok {
		return
	}
	delete(w.pending, frame.Seq)
	delete(w.claiming, claim.connID)

	if !frame.Granted {
		w.ack(claim.connID, claim.username, false)
		return
	}

	if _, connected := w.conns[claim.connID]; !connected {
		// The client vanished while the claim was in flight; the coordinator
		// already recorded the location, so retract it.
		w.sendUserState(claim.username, false)
		return
	}
	if _, bound := w.connUsers[claim.connID]; bound {
		// The connection picked up a binding while the claim was in flight;
		// retract the grant so the coordinator keeps no dangling route.
		w.sendUserState(claim.username, false)
		return
	}

	w.users[claim.username] = claim.connID
	w.connUsers[claim.connID] = claim.username
	w.ack(claim.connID, claim.username, true)
	w.sendUserState(claim.username, true)
	w.log.Debug("user registered", "username", claim.username, "conn", claim.connID)
}

// deregister is idempotent: the binding is removed at most once, and the
// disconnect path is detached with it, so an explicit deregister followed by
// a transport close broadcasts exactly one disconnect transition.
func (w *Worker) deregister(connID string) {
	username, bound := w.connUsers[connID]
	if !bound {
		return
	}
	delete(w.connUsers, connID)
	delete(w.users, username)
	w.dropLocalGroupMember(username)
	w.metrics.Inc(metrics.Deregistrations)
	w.sendUserState(username, false)
	w.log.Debug("user deregistered", "username", username, "conn", connID)
}

// relay forwards an opaque envelope. The sender must be registered and
// locally bound to the sending connection; anything else is silently ignored
// to defuse spoofed from fields.
func (w *Worker) relay(connID string, env *protocol.Envelope) {
	if w.connUsers[connID] != env.From || env.From == "" {
		return
	}

	// Each recipient resolves independently; an unreachable one never aborts
	// delivery to the rest.
	for _, recipient := range env.To {
		if localConnID, ok := w.users[recipient]; ok {
			w.deliver(localConnID, recipient, env.Raw())
			w.metrics.Inc(metrics.LocalDeliveries)
			continue
		}
		err := w.toCoord.Send(ipc.Frame{
			Type:      ipc.FrameForward,
			WorkerID:  w.id,
			Recipient: recipient,
			Data:      env.Raw(),
		})
		if err != nil {
			w.metrics.Inc(metrics.ChannelDrops)
			w.log.Debug("dropping forward", "to", recipient, "err", err)
		}
	}
}

func (w *Worker) handleDisconnect(connID, reason string) {
	if _, ok := w.conns[connID]; !ok {
		return
	}
	delete(w.conns, connID)
	w.log.Debug("connection detached", "conn", connID, "reason", reason)
	// deregister is a no-op if the client already deregistered explicitly.
	w.deregister(connID)
}

func (w *Worker) handleFrame(frame ipc.Frame) {
	switch frame.Type {
	case ipc.FrameRegisterResult:
		w.handleClaimResult(frame)
	case ipc.FrameForward:
		w.handleForwardDelivery(frame)
	case ipc.FrameGroupRegister:
		w.handleGroupRegister(frame)
	case ipc.FrameBroadcast:
		w.handleBroadcast(frame)
	default:
		w.log.Debug("ignoring unexpected frame", "type", frame.Type)
	}
}

func (w *Worker) handleForwardDelivery(frame ipc.Frame) {
	connID, ok := w.users[frame.Recipient]
	if !ok {
		// The recipient left between the coordinator's lookup and delivery.
		w.log.Debug("dropping forwarded message for departed user", "to", frame.Recipient)
		return
	}
	w.deliver(connID, frame.Recipient, frame.Data)
	w.metrics.Inc(metrics.ForwardDeliveries)
}

// handleGroupRegister updates the shard's group cache for a locally bound
// user. Last join wins; membership in the previous group is evicted as part
// of the switch.
func (w *Worker) handleGroupRegister(frame ipc.Frame) {
	if _, bound := w.users[frame.Username]; !bound {
		return
	}
	w.dropLocalGroupMember(frame.Username)
	members, ok := w.groups[frame.GroupName]
	if !ok {
		members = make(map[string]struct{})
		w.groups[frame.GroupName] = members
	}
	members[frame.Username] = struct{}{}
	w.userGroup[frame.Username] = frame.GroupName
}

func (w *Worker) handleBroadcast(frame ipc.Frame) {
	if frame.GroupName == "" {
		for username, connID := range w.users {
			w.deliver(connID, username, frame.Data)
		}
		return
	}
	for username := range w.groups[frame.GroupName] {
		if connID, ok := w.users[username]; ok {
			w.deliver(connID, username, frame.Data)
		}
	}
}

func (w *Worker) dropLocalGroupMember(username string) {
	if g, ok := w.userGroup[username]; ok {
		delete(w.groups[g], username)
		delete(w.userGroup, username)
	}
}

func (w *Worker) deliver(connID, username string, data []byte) {
	conn, ok := w.conns[connID]
	if !ok {
		return
	}
	if err := conn.Send(data); err != nil {
		w.metrics.Inc(metrics.SendFailures)
		w.log.Debug("send failed", "username", username, "conn", connID, "err", err)
	}
}

func (w *Worker) ack(connID, username string, success bool) {
	w.deliver(connID, username, protocol.RegisterAck(username, success).Raw())
}

func (w *Worker) sendUserState(username string, connected bool) {
	err := w.toCoord.Send(ipc.Frame{
		Type:      ipc.FrameUser,
		WorkerID:  w.id,
		Username:  username,
		Connected: connected,
	})
	if err != nil {
		w.metrics.Inc(metrics.ChannelDrops)
		w.log.Debug("dropping presence event", "username", username, "err", err)
	}
}
