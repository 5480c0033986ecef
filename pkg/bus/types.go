package bus

import (
	"context"
	"errors"

	"github.com/sipeed/misskeybot/pkg/events"
)

// ErrClosed is returned when publishing on a closed bus.
var ErrClosed = errors.New("message bus closed")

// OutboundMessage is a claimed response on its way to the responder
// registered for Channel.
type OutboundMessage struct {
	Channel  string          `json:"channel"`
	Plugin   string          `json:"plugin"`
	Event    events.Event    `json:"event"`
	Response events.Response `json:"response"`
}

// MessageHandler delivers one outbound message.
type MessageHandler func(ctx context.Context, msg OutboundMessage) error
