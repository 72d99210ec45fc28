package ipc

// FrameType discriminates control messages on the coordinator<->worker
// channel.
type FrameType string

const (
	// FrameUser is a presence state change emitted by the owning worker.
	FrameUser FrameType = "user"
	// FrameForward carries one client envelope toward a single recipient on
	// another worker.
	FrameForward FrameType = "worker-forward"
	// FrameGroupRegister tells the owning worker that one of its users joined
	// a group, so the worker's local group cache matches the coordinator.
	FrameGroupRegister FrameType = "group-register"
	// FrameBroadcast fans an event out to a worker's locally attached
	// connections, optionally restricted to members of GroupName.
	FrameBroadcast FrameType = "broadcast"
	// FrameRegisterClaim asks the coordinator to bind a username to a worker.
	// The uniqueness check is global, so it has to happen at the coordinator;
	// the claim is asynchronous and the worker finishes registration when the
	// matching FrameRegisterResult arrives.
	FrameRegisterClaim FrameType = "register-claim"
	// FrameRegisterResult answers a FrameRegisterClaim.
	FrameRegisterResult FrameType = "register-result"
)

// Frame is one control message between a worker and the coordinator.
//
// Field usage per type:
//
//	user             WorkerID, Username, Connected
//	worker-forward   WorkerID, Recipient, Data (envelope bytes, verbatim)
//	group-register   Username, GroupName
//	broadcast        Data (event bytes), GroupName (empty = all local users)
//	register-claim   WorkerID, Username, Seq
//	register-result  Username, Seq, Granted
type Frame struct {
	Type      FrameType `json:"type"`
	WorkerID  int       `json:"pid,omitempty"`
	Username  string    `json:"username,omitempty"`
	GroupName string    `json:"groupName,omitempty"`
	Recipient string    `json:"recipient,omitempty"`
	Connected bool      `json:"connected,omitempty"`
	Granted   bool      `json:"granted,omitempty"`
	Seq       uint64    `json:"seq,omitempty"`
	Data      []byte    `json:"data,omitempty"`
}
