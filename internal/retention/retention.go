// Package retention carries the single hook point spec.md leaves for a
// data-retention policy engine without implementing the engine itself — the
// policy engine is out of scope per spec.md §1, but the original's
// dataRetention/ScDataRetention.cpp calls into exactly one decision point on
// the receive path, so that's the piece kept.
package retention

import "context"

// Decision is what a Policy returns for one inbound message.
type Decision int

const (
	// Allow delivers the message to the app callback as usual.
	Allow Decision = iota
	// Suppress drops the plaintext before it reaches the app callback, e.g.
	// because retention rules forbid storing or displaying this message.
	Suppress
)

// Policy is the single collaborator the receive pipeline consults before
// handing decrypted plaintext to the application. A nil Policy is treated as
// always-Allow.
type Policy interface {
	EvaluateInbound(ctx context.Context, localUser, peer, device string, msgType uint32) Decision
}
