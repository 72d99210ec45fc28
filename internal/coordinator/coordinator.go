// Package coordinator holds the authoritative username -> worker routing
// table and the group index.
//
// All presence mutations in the system funnel through a single event loop
// here. That is a deliberate single-point-of-authority simplification: it
// buys last-writer-wins consistency without distributed consensus, at the
// cost of a scalability ceiling (one goroutine serializes every presence
// change). Workers never mutate each other's state; they only send frames.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/theinstashare/signal-router/internal/config"
	"github.com/theinstashare/signal-router/internal/ipc"
	"github.com/theinstashare/signal-router/internal/metrics"
	"github.com/theinstashare/signal-router/internal/protocol"
)

var (
	ErrInvalidGroup      = errors.New("coordinator: unknown group name")
	ErrUserNotRegistered = errors.New("coordinator: user not registered")
)

type inbound struct {
	workerID int
	frame    ipc.Frame

	group *groupRegisterRequest
}

type groupRegisterRequest struct {
	username  string
	groupName string
	reply     chan error
}

// Coordinator is the single routing authority. Attach every worker before
// calling Run.
type Coordinator struct {
	cfg     config.Config
	log     *slog.Logger
	metrics *metrics.Metrics

	events chan inbound
	wg     sync.WaitGroup

	// State is mutated only by the Run loop. The mutex exists so admin
	// queries can read a consistent snapshot from other goroutines.
	mu         sync.RWMutex
	workers    map[int]ipc.Sender
	locations  map[string]int            // username -> owning worker
	groups     map[string]map[string]int // group -> username -> owning worker
	userGroups map[string]string         // username -> current group
}

func New(cfg config.Config, logger *slog.Logger, m *metrics.Metrics) *Coordinator {
	c := &Coordinator{
		cfg:        cfg,
		log:        logger,
		metrics:    m,
		events:     make(chan inbound, cfg.ChannelDepth),
		workers:    make(map[int]ipc.Sender),
		locations:  make(map[string]int),
		groups:     make(map[string]map[string]int, len(cfg.GroupNames)),
		userGroups: make(map[string]string),
	}
	// Groups are pre-declared at startup and never destroyed.
	for _, g := range cfg.GroupNames {
		c.groups[g] = make(map[string]int)
	}
	return c
}

// Attach wires one worker: toWorker carries coordinator->worker frames,
// fromWorker is drained into the coordinator's event loop. Must be called
// before Run.
func (c *Coordinator) Attach(workerID int, toWorker ipc.Sender, fromWorker *ipc.Link) {
	c.mu.Lock()
	c.workers[workerID] = toWorker
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for frame := range fromWorker.Recv() {
			c.events <- inbound{workerID: workerID, frame: frame}
		}
		// A closed worker channel is observed but its presence entries are
		// not reaped: stale routing entries self-heal on the next
		// registration of each username.
		c.log.Warn("worker channel closed", "worker", workerID)
	}()
}

// Run processes inbound events one at a time until ctx is canceled.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

func (c *Coordinator) handle(ev inbound) {
	if ev.group != nil {
		ev.group.reply <- c.handleGroupRegister(ev.group.username, ev.group.groupName)
		return
	}

	switch ev.frame.Type {
	case ipc.FrameRegisterClaim:
		c.handleClaim(ev.workerID, ev.frame)
	case ipc.FrameUser:
		c.handleUserState(ev.frame)
	case ipc.FrameForward:
		c.handleForward(ev.frame)
	default:
		c.log.Debug("ignoring unexpected frame", "type", ev.frame.Type, "worker", ev.workerID)
	}
}

// handleClaim performs the global uniqueness check for a registration and
// answers the claiming worker. Granting records the location immediately so
// two racing claims for the same username serialize here: the first wins,
// the second is rejected.
func (c *Coordinator) handleClaim(workerID int, frame ipc.Frame) {
	result := ipc.Frame{
		Type:     ipc.FrameRegisterResult,
		Username: frame.Username,
		Seq:      frame.Seq,
	}

	c.mu.Lock()
	_, taken := c.locations[frame.Username]
	if !taken {
		c.locations[frame.Username] = frame.WorkerID
		result.Granted = true
	}
	c.mu.Unlock()

	if result.Granted {
		c.metrics.Inc(metrics.Registrations)
	} else {
		c.metrics.Inc(metrics.DuplicateRegisters)
		c.log.Debug("rejecting duplicate registration", "username", frame.Username, "worker", frame.WorkerID)
	}

	c.sendToWorker(workerID, result)
}

func (c *Coordinator) handleUserState(frame ipc.Frame) {
	if frame.Connected {
		// Location was already recorded by the claim; the upsert keeps the
		// last writer in charge either way.
		c.mu.Lock()
		c.locations[frame.Username] = frame.WorkerID
		c.mu.Unlock()
	} else {
		c.retractLocation(frame.Username)
		c.metrics.Inc(metrics.Deregistrations)
	}

	if c.cfg.BroadcastPolicy != config.BroadcastAll {
		// contacts policy: presence stays recorded but is not fanned out.
		return
	}
	event := protocol.UserState(frame.Username, frame.Connected).Raw()
	c.fanOut(event, "")
}

func (c *Coordinator) retractLocation(username string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.locations, username)
	if g, ok := c.userGroups[username]; ok {
		delete(c.groups[g], username)
		delete(c.userGroups, username)
	}
}

// handleForward routes one envelope toward the worker owning the recipient.
// An unknown recipient is not an error for the sender; the envelope is
// dropped with a diagnostic log only.
func (c *Coordinator) handleForward(frame ipc.Frame) {
	c.mu.RLock()
	workerID, ok := c.locations[frame.Recipient]
	c.mu.RUnlock()

	if !ok {
		c.metrics.Inc(metrics.UnknownRecipients)
		c.log.Debug("dropping message for unknown recipient", "to", frame.Recipient)
		return
	}
	c.metrics.Inc(metrics.Forwards)
	c.sendToWorker(workerID, frame)
}

func (c *Coordinator) handleGroupRegister(username, groupName string) error {
	if !c.cfg.GroupEnabled(groupName) {
		return ErrInvalidGroup
	}

	c.mu.Lock()
	workerID, registered := c.locations[username]
	if !registered {
		c.mu.Unlock()
		return ErrUserNotRegistered
	}
	// Last join wins: leaving the previous group is part of the transition.
	if prev, ok := c.userGroups[username]; ok {
		delete(c.groups[prev], username)
	}
	c.groups[groupName][username] = workerID
	c.userGroups[username] = groupName
	c.mu.Unlock()

	c.metrics.Inc(metrics.GroupRegisters)

	// Keep the owning worker's local cache in step.
	c.sendToWorker(workerID, ipc.Frame{
		Type:      ipc.FrameGroupRegister,
		Username:  username,
		GroupName: groupName,
	})

	if c.cfg.BroadcastPolicy == config.BroadcastAll {
		event := protocol.UserState(username, true).Raw()
		c.fanOut(event, groupName)
	}
	return nil
}

// fanOut delivers event to every worker in scope. Scope is all workers when
// groupName is empty, otherwise only workers owning at least one member of
// the group; each worker re-broadcasts to its matching local connections.
func (c *Coordinator) fanOut(event []byte, groupName string) {
	frame := ipc.Frame{
		Type:      ipc.FrameBroadcast,
		GroupName: groupName,
		Data:      event,
	}

	c.mu.RLock()
	targets := make([]int, 0, len(c.workers))
	if groupName == "" {
		for id := range c.workers {
			targets = append(targets, id)
		}
	} else {
		seen := make(map[int]bool)
		for _, workerID := range c.groups[groupName] {
			if !seen[workerID] {
				seen[workerID] = true
				targets = append(targets, workerID)
			}
		}
	}
	c.mu.RUnlock()

	c.metrics.Inc(metrics.Broadcasts)
	for _, id := range targets {
		c.sendToWorker(id, frame)
	}
}

func (c *Coordinator) sendToWorker(workerID int, frame ipc.Frame) {
	c.mu.RLock()
	sender, ok := c.workers[workerID]
	c.mu.RUnlock()
	if !ok {
		c.log.Debug("no channel for worker", "worker", workerID)
		return
	}
	if err := sender.Send(frame); err != nil {
		// Fire and forget: no retry, no backoff.
		c.metrics.Inc(metrics.ChannelDrops)
		c.log.Debug("dropping frame", "worker", workerID, "type", frame.Type, "err", err)
	}
}

// IsRegistered reports whether username currently has a live registration
// anywhere in the system.
func (c *Coordinator) IsRegistered(username string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.locations[username]
	return ok
}

// ListActive returns the usernames currently registered, sorted. A non-empty
// groupName restricts the listing to that group's members; a non-empty
// filter keeps only usernames containing it.
func (c *Coordinator) ListActive(groupName, filter string) ([]string, error) {
	c.mu.RLock()
	var out []string
	if groupName == "" {
		out = make([]string, 0, len(c.locations))
		for name := range c.locations {
			out = append(out, name)
		}
	} else {
		members, ok := c.groups[groupName]
		if !ok {
			c.mu.RUnlock()
			return nil, ErrInvalidGroup
		}
		out = make([]string, 0, len(members))
		for name := range members {
			out = append(out, name)
		}
	}
	c.mu.RUnlock()

	if filter != "" {
		kept := out[:0]
		for _, name := range out {
			if strings.Contains(name, filter) {
				kept = append(kept, name)
			}
		}
		out = kept
	}
	sort.Strings(out)
	return out, nil
}

// RegisterGroup joins username to groupName through the coordinator's event
// loop, so the mutation serializes with every other presence change.
func (c *Coordinator) RegisterGroup(ctx context.Context, username, groupName string) error {
	req := &groupRegisterRequest{
		username:  username,
		groupName: groupName,
		reply:     make(chan error, 1),
	}
	select {
	case c.events <- inbound{group: req}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
