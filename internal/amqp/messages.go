package amqp

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ledger/internal/calc"
	"ledger/internal/core"
)

// CommandMessage asks a session to execute a command. Feature is only
// needed when the session does not exist yet.
type CommandMessage struct {
	SessionID string    `json:"session_id"`
	Feature   string    `json:"feature,omitempty"`
	Command   string    `json:"command"`
	Timestamp time.Time `json:"timestamp"`
}

// NewCommandMessage creates a command message stamped with the current time
func NewCommandMessage(sessionID, feature, command string) *CommandMessage {
	return &CommandMessage{
		SessionID: sessionID,
		Feature:   feature,
		Command:   command,
		Timestamp: time.Now(),
	}
}

// Validate checks the fields a worker needs
func (m *CommandMessage) Validate() error {
	if strings.TrimSpace(m.SessionID) == "" {
		return errors.New("session_id is required")
	}
	if strings.TrimSpace(m.Command) == "" {
		return errors.New("command is required")
	}
	return nil
}

// ToJSON converts the message to JSON bytes
func (m *CommandMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// CommandMessageFromJSON decodes and validates a command message
func CommandMessageFromJSON(data []byte) (*CommandMessage, error) {
	var msg CommandMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// RunEventMessage reports a status transition of a calculation.
type RunEventMessage struct {
	SessionID   string                `json:"session_id"`
	RunID       string                `json:"run_id,omitempty"`
	Feature     string                `json:"feature"`
	From        string                `json:"from"`
	Status      string                `json:"status"`
	Total       decimal.Decimal       `json:"total"`
	Processed   int                   `json:"processed"`
	Counted     int                   `json:"counted"`
	RetryCount  int                   `json:"retry_count"`
	RateLimited bool                  `json:"rate_limited"`
	Error       string                `json:"error,omitempty"`
	Breakdown   []core.CategoryAmount `json:"breakdown,omitempty"`
	Timestamp   time.Time             `json:"timestamp"`
}

// NewRunEventMessage builds an event from the snapshot taken after a transition
func NewRunEventMessage(from calc.Status, snap calc.Snapshot) *RunEventMessage {
	ts := snap.UpdatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return &RunEventMessage{
		SessionID:   snap.SessionID,
		RunID:       snap.RunID,
		Feature:     snap.Feature,
		From:        string(from),
		Status:      string(snap.Status),
		Total:       snap.Total,
		Processed:   snap.Processed,
		Counted:     snap.Counted,
		RetryCount:  snap.RetryCount,
		RateLimited: snap.RateLimited,
		Error:       snap.Error,
		Breakdown:   snap.Breakdown,
		Timestamp:   ts,
	}
}

// ToJSON converts the message to JSON bytes
func (m *RunEventMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// RunEventMessageFromJSON creates a message from JSON bytes
func RunEventMessageFromJSON(data []byte) (*RunEventMessage, error) {
	var msg RunEventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
