// Package bus defines the contract consumed from the control-bus adapter.
// The hardware adapter itself lives outside this repository; the collector
// only sends command frames and registers handlers for inbound frames.
package bus

import (
	"context"
	"time"
)

// NodeID addresses a controller on the bus. Broadcast reaches every node.
type NodeID uint8

const Broadcast NodeID = 0

// Frame is one discrete bus event. The numeric fields are interpreted by the
// external protocol catalog; the collector treats them as opaque.
type Frame struct {
	SourceNode    NodeID
	MessageType   uint8
	ComponentType uint8
	ComponentID   uint8
	CommandID     uint8
	ValueType     uint8
	Value         int64
	RecordedAt    time.Time
}

// Selector matches inbound frames for handler dispatch.
type Selector struct {
	MessageType   uint8
	ComponentType uint8
	ComponentID   uint8
	CommandID     uint8
}

// Handler receives matched inbound frames. Handlers run on the thread that
// services the bus and must do their own synchronization.
type Handler func(Frame)

// Adapter is the send/receive surface of the bus hardware adapter.
type Adapter interface {
	// Send transmits a command frame, optionally addressed to a single
	// node. Returns false when the adapter could not queue the frame.
	Send(frame Frame, destination NodeID) bool

	// RegisterHandler subscribes fn to inbound frames matching sel.
	RegisterHandler(sel Selector, fn Handler)

	// Process pumps inbound frames until ctx is cancelled.
	Process(ctx context.Context) error
}
