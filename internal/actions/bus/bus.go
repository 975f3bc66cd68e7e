// Package bus provides the action bus used for all service-to-service work.
package bus

import (
	"context"
	"time"

	"github.com/nooble8/nooble8/internal/actions"
)

// metadata key carrying the correlation queue for synchronous sends. Workers
// that see it push their reply there instead of emitting a callback action.
const replyQueueMetaKey = "reply_queue"

// Bus is the broker-facing contract. action_type names the queue on every
// path: services receive from the queues of the prefixes they own, and
// callback actions route the same way.
type Bus interface {
	// Send enqueues a fire-and-forget action. Broker failures are retried
	// with exponential backoff, then logged and swallowed: a lost
	// fire-and-forget action must not fail its producer.
	Send(ctx context.Context, action *actions.Action) error

	// SendWithCallback enqueues an action whose recipient must reply with a
	// single action of callbackActionType carrying the same task_id. Send
	// failures surface to the caller so it can fail the owning task.
	SendWithCallback(ctx context.Context, action *actions.Action, callbackActionType string) error

	// SendAndWait enqueues the action and blocks on a correlation channel
	// keyed by action_id until a reply arrives or the timeout expires, in
	// which case it returns a TIMEOUT error.
	SendAndWait(ctx context.Context, action *actions.Action, timeout time.Duration) (*actions.Action, error)

	// Receive blocks up to the given timeout for the next action on any of
	// the named queues. A nil action with nil error means the wait expired.
	Receive(ctx context.Context, actionTypes []string, timeout time.Duration) (*actions.Action, error)

	// Reply resolves a SendAndWait correlation. It is a no-op for actions
	// that were not sent synchronously.
	Reply(ctx context.Context, request *actions.Action, reply *actions.Action) error

	// IsConnected returns broker connection status.
	IsConnected() bool

	// Close releases broker resources.
	Close()
}

// IsSyncRequest reports whether the action was produced by SendAndWait and
// therefore expects its reply on the correlation channel.
func IsSyncRequest(a *actions.Action) bool {
	return a.MetaString(replyQueueMetaKey) != ""
}

// backoff returns the producer retry delay for the given attempt:
// base 1s, doubling, capped at 10s.
func backoff(attempt int) time.Duration {
	d := time.Second << attempt
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	return d
}

const sendAttempts = 3
