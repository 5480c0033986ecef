// Event bridge: forwards bus taps to WebSocket clients. Every inbound event
// and system event fans out to all connected clients.
package api

import (
	"context"

	"github.com/sipeed/misskeybot/pkg/bus"
	"github.com/sipeed/misskeybot/pkg/events"
	"github.com/sipeed/misskeybot/pkg/logger"
)

// EventBridge connects the message bus to the WebSocket hub.
type EventBridge struct {
	bus *bus.MessageBus
	hub *WSHub
}

func NewEventBridge(mb *bus.MessageBus, hub *WSHub) *EventBridge {
	return &EventBridge{bus: mb, hub: hub}
}

// Run subscribes to the bus taps and forwards until ctx is done or the bus
// closes.
func (eb *EventBridge) Run(ctx context.Context) {
	inboundTap := eb.bus.SubscribeInboundTap("event-bridge")
	systemTap := eb.bus.SubscribeSystem("event-bridge")
	logger.DebugC("events", "Event bridge started")

	go eb.forwardInbound(ctx, inboundTap)
	eb.forwardSystem(ctx, systemTap)
}

func (eb *EventBridge) forwardInbound(ctx context.Context, tap <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-tap:
			if !ok {
				return
			}
			eb.hub.Broadcast(events.EventReceived, events.EventData{
				EventID: ev.ID,
				Kind:    ev.Kind,
				Channel: ev.Channel,
				From:    ev.Sender.Handle(),
				Preview: events.Preview(ev.TextOf(), 200),
				Files:   len(ev.AttachmentIDs()),
			})
		}
	}
}

func (eb *EventBridge) forwardSystem(ctx context.Context, tap <-chan events.SystemEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-tap:
			if !ok {
				return
			}
			eb.hub.Broadcast(evt.Type, evt.Data)
		}
	}
}
