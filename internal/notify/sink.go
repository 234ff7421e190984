// Package notify delivers user and admin messages. Delivery is best
// effort: the engine logs sink failures and never fails a run over them.
package notify

import "context"

// Sink sends human-readable notifications.
type Sink interface {
	// NotifyUser sends text to the buyer's chat. A zero chat id means the
	// caller has no chat for this order and the sink should no-op.
	NotifyUser(ctx context.Context, chatID int64, text string) error
	// NotifyAdmin sends text to every configured admin chat.
	NotifyAdmin(ctx context.Context, text string) error
}
