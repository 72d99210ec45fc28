// Package protocol defines the wire envelope exchanged between signaling
// clients and the router.
//
// The router only interprets a small closed set of message types; everything
// else (offers, answers, candidates, application chatter) is relayed verbatim
// as an opaque blob. Parsing therefore keeps the original bytes alongside the
// decoded control fields so forwarding never re-encodes a client payload.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Control message types understood by the router.
const (
	TypeRegister   = "register"
	TypeDeregister = "deregister"
	TypeAck        = "ack"
	TypeUser       = "user"
)

// Application message types relayed without interpretation. Listed only so
// readers of the wire protocol have one place to look; the router treats any
// unrecognized type the same way.
const (
	TypeOffer       = "offer"
	TypeAnswer      = "answer"
	TypeCandidate   = "candidate"
	TypeScreen      = "screen"
	TypeAudio       = "audio"
	TypeText        = "text"
	TypeRecord      = "record"
	TypeLeave       = "leave"
	TypeCallRequest = "call_request"
)

// Recipients is the wire `to` field, which may be a single username or an
// ordered list of usernames.
type Recipients []string

func (r *Recipients) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*r = Recipients{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("to must be a username or a list of usernames")
	}
	*r = many
	return nil
}

// MarshalJSON keeps the scalar form for single recipients so server-built
// envelopes look like what legacy clients expect.
func (r Recipients) MarshalJSON() ([]byte, error) {
	if len(r) == 1 {
		return json.Marshal(r[0])
	}
	return json.Marshal([]string(r))
}

// Envelope is the decoded view of one client message.
//
// Only the control fields are decoded; Raw returns the untouched bytes for
// opaque relay. Pointer fields distinguish absent from false.
type Envelope struct {
	Type      string     `json:"type"`
	From      string     `json:"from,omitempty"`
	To        Recipients `json:"to,omitempty"`
	Success   *bool      `json:"success,omitempty"`
	Connected *bool      `json:"connected,omitempty"`
	Username  string     `json:"username,omitempty"`
	GroupName string     `json:"groupName,omitempty"`

	raw []byte
}

// Parse decodes the control fields of a client message and records the
// original bytes. Unknown fields are expected: application payloads ride in
// the same object.
func Parse(data []byte) (*Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope missing type")
	}
	env.raw = data
	return &env, nil
}

// Raw returns the exact bytes the envelope was parsed from, or a marshaled
// form for envelopes built server-side.
func (e *Envelope) Raw() []byte {
	if e.raw != nil {
		return e.raw
	}
	b, err := json.Marshal(e)
	if err != nil {
		// Envelope only holds marshalable fields; this cannot fail for
		// server-built values.
		panic(err)
	}
	e.raw = b
	return b
}

// IsControl reports whether the type is one the router itself acts on, as
// opposed to an opaque application type.
func (e *Envelope) IsControl() bool {
	switch e.Type {
	case TypeRegister, TypeDeregister, TypeAck, TypeUser:
		return true
	}
	return false
}

// RegisterAck builds the acknowledgment sent back to a registering client.
func RegisterAck(username string, success bool) *Envelope {
	return &Envelope{
		Type:     TypeRegister,
		Success:  &success,
		Username: username,
	}
}

// UserState is the presence event fanned out when a user connects or
// disconnects.
func UserState(username string, connected bool) *Envelope {
	return &Envelope{
		Type:      TypeUser,
		Connected: &connected,
		Username:  username,
	}
}
