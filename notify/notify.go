// Package notify delivers the single user-facing side effect the engine
// owns: surfacing a mention. Delivery is best effort.
package notify

import (
	"go.uber.org/zap"

	"github.com/wououoo/weddingAlba-sub000/models"
)

// Notifier receives a delivered mention addressed to the local user.
type Notifier interface {
	Notify(mention models.Message)
}

// LogNotifier is the default sink; a UI embeds its own.
type LogNotifier struct {
	Log *zap.SugaredLogger
}

func (n LogNotifier) Notify(mention models.Message) {
	n.Log.Infow("mention received",
		"from", mention.SenderName,
		"room", mention.RoomID,
		"content", mention.Content,
	)
}
