// Package notify is the outbound port for user-facing messages. Delivery is
// fire-and-forget: the core never blocks on confirmation and tolerates silent
// failure when a user is unreachable.
package notify

import (
	"context"

	"go.uber.org/zap"
)

// Notifier sends a short text to a user over the messaging transport.
type Notifier interface {
	Notify(ctx context.Context, userID int64, text string)
}

// LogNotifier writes notifications to the log instead of a real transport.
// The bot front end swaps in its own Notifier.
type LogNotifier struct {
	log *zap.Logger
}

// NewLogNotifier creates a Notifier backed by the logger.
func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log.With(zap.String("component", "notifier"))}
}

func (n *LogNotifier) Notify(ctx context.Context, userID int64, text string) {
	n.log.Info("user_notified",
		zap.Int64("user_id", userID),
		zap.String("text", text),
	)
}
