package chat

import "fmt"

// Lifecycle is the delivery state of a message.
type Lifecycle string

const (
	// Pending means the message was created locally and its transaction has
	// not been observed on chain yet.
	Pending Lifecycle = "pending"
	// Confirmed means the message is part of the authoritative chain log.
	Confirmed Lifecycle = "confirmed"
	// Failed means the submission was rejected or reverted.
	Failed Lifecycle = "failed"
)

// BroadcastConversation is the sentinel conversation id for the single
// global channel.
const BroadcastConversation = "broadcast"

// MaxContentLength is the client-side bound on message content. The
// contract may enforce a different bound; its rejection is authoritative.
const MaxContentLength = 500

// Message is a chat message in the canonical set.
//
// Confirmed messages carry a deterministic id derived from the on-chain
// sequence number (group-<seq> / direct-<seq>), so merging the same message
// from any source is idempotent. Optimistic messages use local-<uuid>, a
// form that can never collide with a chain-derived id.
type Message struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient,omitempty"` // empty for broadcast
	Content   string    `json:"content"`
	Timestamp int64     `json:"timestamp"` // unix milliseconds
	Broadcast bool      `json:"broadcast"`
	State     Lifecycle `json:"state"`
}

// User is a registered participant.
type User struct {
	Address      string `json:"address"`
	Handle       string `json:"handle"`
	ImageRef     string `json:"image_ref,omitempty"` // content hash on the pinning network
	IsOnline     bool   `json:"is_online"`
	LastSeenAt   int64  `json:"last_seen_at"` // unix milliseconds
	RegisteredAt int64  `json:"registered_at,omitempty"`
}

// Event is a normalized contract event carrying one posted message.
// Timestamp is in seconds, as emitted by the contract.
type Event struct {
	Broadcast bool
	Sender    string
	Recipient string
	Content   string
	Timestamp int64
	Seq       uint64
}

// PresenceChange is an online-status transition observed on chain.
type PresenceChange struct {
	Address string
	Online  bool
	At      int64 // unix milliseconds
}

// ImageChange is a profile image update observed on chain.
type ImageChange struct {
	Address  string
	ImageRef string
}

// GroupMessageID returns the deterministic id for a broadcast message.
func GroupMessageID(seq uint64) string {
	return fmt.Sprintf("group-%d", seq)
}

// DirectMessageID returns the deterministic id for a direct message.
func DirectMessageID(seq uint64) string {
	return fmt.Sprintf("direct-%d", seq)
}

// MessageID returns the deterministic id for the event's message.
func (e Event) MessageID() string {
	if e.Broadcast {
		return GroupMessageID(e.Seq)
	}
	return DirectMessageID(e.Seq)
}

// Message converts the event into a Confirmed canonical message.
func (e Event) Message() Message {
	return Message{
		ID:        e.MessageID(),
		Sender:    e.Sender,
		Recipient: e.Recipient,
		Content:   e.Content,
		Timestamp: e.Timestamp * 1000,
		Broadcast: e.Broadcast,
		State:     Confirmed,
	}
}
