package queue

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/dandantas/reelforge/internal/model"
)

// Encode serializes a queue message as JSON
func Encode(msg model.QueueMessage) ([]byte, error) {
	if err := ValidateMessage(msg); err != nil {
		return nil, err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode queue message: %w", err)
	}
	return data, nil
}

// Decode parses a queue message. Unknown fields are ignored so newer
// producers can add fields without breaking older consumers.
func Decode(data []byte) (model.QueueMessage, error) {
	var msg model.QueueMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&msg); err != nil {
		return model.QueueMessage{}, model.NewValidationError("decode_message", "malformed queue message: %v", err)
	}
	for k, v := range msg.SubmissionParams {
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				msg.SubmissionParams[k] = i
			} else if f, err := n.Float64(); err == nil {
				msg.SubmissionParams[k] = f
			}
		}
	}
	if err := ValidateMessage(msg); err != nil {
		return model.QueueMessage{}, err
	}
	return msg, nil
}

// ValidateMessage checks the job id and that every submission parameter is a
// string or a number
func ValidateMessage(msg model.QueueMessage) error {
	if msg.JobID == "" {
		return model.NewValidationError("queue_message", "job_id is required")
	}
	for k, v := range msg.SubmissionParams {
		switch v.(type) {
		case string, float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
		default:
			return model.NewValidationError("queue_message",
				"submission param %q must be a string or number, got %T", k, v)
		}
	}
	return nil
}
