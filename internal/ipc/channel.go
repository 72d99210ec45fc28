// Package ipc models the channel connecting each worker to the coordinator.
//
// Delivery is asynchronous, at-most-once, and ordered only within a single
// sender->receiver link. Send never blocks: a full or closed link drops the
// frame and reports it, because no event loop may wait on another shard.
//
// The in-process implementation runs over buffered Go channels. Nothing in
// the contract depends on that; an OS-pipe or socket implementation would
// satisfy the same interface.
package ipc

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrChannelClosed = errors.New("ipc: channel closed")
	ErrChannelFull   = errors.New("ipc: channel full")
)

// Sender is the write half of a link.
type Sender interface {
	// Send enqueues frame for delivery. It never blocks; frames are dropped
	// with ErrChannelFull when the receiver is behind, or ErrChannelClosed
	// after Close.
	Send(frame Frame) error
}

// Link is one direction of a coordinator<->worker channel.
type Link struct {
	mu     sync.Mutex
	ch     chan Frame
	closed bool

	drops atomic.Uint64
}

// NewLink returns a link buffering up to depth in-flight frames.
func NewLink(depth int) *Link {
	if depth <= 0 {
		depth = 1
	}
	return &Link{ch: make(chan Frame, depth)}
}

func (l *Link) Send(frame Frame) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		l.drops.Add(1)
		return ErrChannelClosed
	}
	select {
	case l.ch <- frame:
		return nil
	default:
		l.drops.Add(1)
		return ErrChannelFull
	}
}

// Recv returns the delivery channel. It is closed after Close once all
// buffered frames have been drained by the receiver.
func (l *Link) Recv() <-chan Frame {
	return l.ch
}

// Close marks the link closed. Frames already buffered remain readable.
func (l *Link) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.ch)
}

// Drops reports how many frames were discarded by Send.
func (l *Link) Drops() uint64 {
	return l.drops.Load()
}
