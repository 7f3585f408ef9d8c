// Package uplink forwards stored telemetry to the remote collector with
// at-least-once semantics: batches go up, acknowledgments come back, acked
// records are retired in the store.
package uplink

import (
	"bufio"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/vehiclelink/telemetryd/internal/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// BatchRecord is one record on the wire. Timestamps travel as unix
// milliseconds.
type BatchRecord struct {
	ID            int64 `json:"id"`
	RecordedAt    int64 `json:"recorded_at"`
	MessageType   uint8 `json:"message_type"`
	ComponentType uint8 `json:"component_type"`
	ComponentID   uint8 `json:"component_id"`
	CommandID     uint8 `json:"command_id"`
	ValueType     uint8 `json:"value_type"`
	Value         int64 `json:"value"`
}

// Ack is the collector's reply: the ids it durably processed. Duplicate ids
// across reconnects are the collector's problem by contract.
type Ack struct {
	Status       string  `json:"status"`
	ProcessedIDs []int64 `json:"processed_ids"`
}

func toBatch(recs []domain.TelemetryRecord) []BatchRecord {
	batch := make([]BatchRecord, len(recs))
	for i, r := range recs {
		batch[i] = BatchRecord{
			ID:            r.ID,
			RecordedAt:    r.RecordedAt.UnixMilli(),
			MessageType:   r.MessageType,
			ComponentType: r.ComponentType,
			ComponentID:   r.ComponentID,
			CommandID:     r.CommandID,
			ValueType:     r.ValueType,
			Value:         r.Value,
		}
	}
	return batch
}

// writeBatch frames one batch as a JSON array on a single line.
func writeBatch(w *bufio.Writer, recs []domain.TelemetryRecord) error {
	data, err := json.Marshal(toBatch(recs))
	if err != nil {
		return errors.Wrap(err, "encode batch")
	}
	if _, err := w.Write(data); err != nil {
		return errors.Wrap(err, "write batch")
	}
	if err := w.WriteByte('\n'); err != nil {
		return errors.Wrap(err, "write batch")
	}
	return errors.Wrap(w.Flush(), "flush batch")
}

// parseAck decodes one ack line. A malformed line yields an error the caller
// logs and ignores; it never tears the connection down.
func parseAck(line []byte) (*Ack, error) {
	var ack Ack
	if err := json.Unmarshal(line, &ack); err != nil {
		return nil, errors.Wrap(err, "decode ack")
	}
	if ack.Status != "ok" {
		return nil, errors.Errorf("unexpected ack status %q", ack.Status)
	}
	return &ack, nil
}
