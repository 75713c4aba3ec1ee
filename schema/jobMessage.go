// Package schema defines the envelope carried by every job on the broker.
// External producers and consumers can depend on this package alone.
package schema

import (
	"encoding/json"
	"errors"
	"time"
)

// EnvelopeVersion is bumped on incompatible changes to JobMessage.
const EnvelopeVersion = 1

// Header names set on published messages.
const (
	HeaderOutboxID        = "x-outbox-id"
	HeaderEntityID        = "x-entity-id"
	HeaderDispatchAttempt = "x-dispatch-attempt"
)

// JobMessage is the body of a queued job. Payload is opaque to the
// orchestration layer and handed to the queue's handler unchanged.
type JobMessage struct {
	EnvelopeVersion int               `json:"v"`
	OutboxID        string            `json:"outbox_id"`
	EntityID        string            `json:"entity_id"`
	Stage           string            `json:"stage"`
	Queue           string            `json:"queue"`
	Attempt         int               `json:"attempt"`
	Principal       string            `json:"principal,omitempty"`
	Tier            string            `json:"tier,omitempty"`
	HoldsSlot       bool              `json:"holds_slot,omitempty"`
	Priority        int               `json:"priority,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	Payload         []byte            `json:"payload,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// NewJobMessage creates a JobMessage for the first attempt of a job.
func NewJobMessage(outboxID, entityID, stage, queue string, payload []byte) *JobMessage {
	return &JobMessage{
		EnvelopeVersion: EnvelopeVersion,
		OutboxID:        outboxID,
		EntityID:        entityID,
		Stage:           stage,
		Queue:           queue,
		Attempt:         1,
		Payload:         payload,
		CreatedAt:       time.Now().UTC(),
	}
}

func (m *JobMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a message body and rejects envelopes it does not understand.
func Decode(b []byte) (*JobMessage, error) {
	var m JobMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if m.EnvelopeVersion != EnvelopeVersion {
		return nil, errors.New("schema: unsupported envelope version")
	}
	if m.EntityID == "" || m.Queue == "" {
		return nil, errors.New("schema: entity_id and queue are required")
	}
	return &m, nil
}
