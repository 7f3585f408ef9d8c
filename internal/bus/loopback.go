package bus

import (
	"context"
	"fmt"

	evbus "github.com/asaskevich/EventBus"
	"go.uber.org/zap"
)

const sentTopic = "bus.sent"

// Loopback is an in-process Adapter backed by an event bus. Frames sent by
// any party are dispatched synchronously to every matching handler. It backs
// single-process wiring and tests; the production adapter speaks to real
// hardware and is provided externally.
type Loopback struct {
	bus evbus.Bus
}

var _ Adapter = (*Loopback)(nil)

func NewLoopback() *Loopback {
	return &Loopback{bus: evbus.New()}
}

func topicFor(sel Selector) string {
	return fmt.Sprintf("bus.frame.%d.%d.%d.%d",
		sel.MessageType, sel.ComponentType, sel.ComponentID, sel.CommandID)
}

func (l *Loopback) Send(frame Frame, destination NodeID) bool {
	sel := Selector{
		MessageType:   frame.MessageType,
		ComponentType: frame.ComponentType,
		ComponentID:   frame.ComponentID,
		CommandID:     frame.CommandID,
	}
	l.bus.Publish(topicFor(sel), frame)
	l.bus.Publish(sentTopic, frame, destination)
	return true
}

func (l *Loopback) RegisterHandler(sel Selector, fn Handler) {
	if err := l.bus.Subscribe(topicFor(sel), func(frame Frame) {
		fn(frame)
	}); err != nil {
		zap.L().Error("loopback bus subscribe failed", zap.Error(err))
	}
}

// OnSend subscribes fn to every outbound frame together with its destination.
// Node simulators use this to observe addressed commands.
func (l *Loopback) OnSend(fn func(Frame, NodeID)) {
	if err := l.bus.Subscribe(sentTopic, fn); err != nil {
		zap.L().Error("loopback bus subscribe failed", zap.Error(err))
	}
}

// Process blocks until ctx is cancelled. Loopback dispatch is synchronous in
// Send, so there is nothing to pump.
func (l *Loopback) Process(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
