package types

import "time"

// DispatchJob is the queue payload for delivering one Message.
//
// The worker re-reads the Message by ID before acting; the copied fields are
// only used to build the transport envelope.
type DispatchJob struct {
	MessageID      string `json:"message_id"`
	SwitchID       string `json:"switch_id"`
	IdempotencyKey string `json:"idempotency_key"`
	Recipient      string `json:"recipient"`
	RecipientName  string `json:"recipient_name,omitempty"`
	Subject        string `json:"subject"`
	ContentRef     string `json:"content_ref"`

	// Attempt counts queue-level redeliveries. It is incremented by the
	// publisher each time the job is re-queued after a failure.
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	TraceID    string    `json:"trace_id,omitempty"`
}

// NewDispatchJob builds the job for a message of the given switch.
func NewDispatchJob(m *Message) DispatchJob {
	return DispatchJob{
		MessageID:      m.ID,
		SwitchID:       m.SwitchID,
		IdempotencyKey: m.IdempotencyKey,
		Recipient:      m.RecipientEmail,
		RecipientName:  m.RecipientName,
		Subject:        m.Subject,
		ContentRef:     m.ContentRef,
	}
}

// Envelope is what the transport needs to deliver a triggered message.
type Envelope struct {
	To             string
	ToName         string
	Subject        string
	ContentRef     string
	IdempotencyKey string
	SwitchID       string
}

// ReminderNotice is what the transport needs to warn an owner that their
// switch is about to come due.
type ReminderNotice struct {
	To             string
	ToName         string
	SwitchID       string
	SwitchName     string
	HoursRemaining int
	DueAt          time.Time
}
