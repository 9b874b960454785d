package alertrouter

import "context"

// Sink delivers one already-rendered message to the external channel
// identified by topic. Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, topic, text, parseMode string) error
}
