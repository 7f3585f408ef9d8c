package domain

import "time"

// TelemetryRecord stores one bus event captured by the collector.
//
// RecordedAt is the timestamp reported by the emitting node, ReceivedAt the
// time the collector observed the frame, CreatedAt the time the row was
// persisted. Clock skew across nodes can put these out of order; readers
// must tolerate that.
type TelemetryRecord struct {
	ID            int64     `gorm:"primaryKey;autoIncrement;index:idx_uploaded_id,priority:2" json:"id"`
	RecordedAt    time.Time `gorm:"index" json:"recorded_at"`
	ReceivedAt    time.Time `json:"received_at"`
	CreatedAt     time.Time `gorm:"index:idx_uploaded_created,priority:2" json:"created_at"`
	MessageType   uint8     `json:"message_type"`
	ComponentType uint8     `json:"component_type"`
	ComponentID   uint8     `json:"component_id"`
	CommandID     uint8     `json:"command_id"`
	ValueType     uint8     `json:"value_type"`
	Value         int64     `json:"value"`
	Uploaded      bool      `gorm:"index:idx_uploaded_created,priority:1;index:idx_uploaded_id,priority:1" json:"uploaded"`
}

func (TelemetryRecord) TableName() string {
	return "telemetry_history"
}
