package dispatch

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Channel is the delivery medium of a notification.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
)

// ParseChannel validates a channel name.
func ParseChannel(s string) (Channel, bool) {
	switch c := Channel(s); c {
	case ChannelEmail, ChannelSMS, ChannelPush:
		return c, true
	}
	return "", false
}

// Status is the outcome of a dispatch attempt.
type Status string

const (
	StatusSent   Status = "sent"
	StatusFailed Status = "failed"
)

// correlationNamespace seeds the name-based UUIDs used as notification ids.
var correlationNamespace = uuid.MustParse("9b2f4c1e-6a7d-5e30-8c4b-2f1d0e9a7b65")

// CorrelationID derives the notification id for the seq-th intent of the
// envelope with the given identity. The same inputs always give the same id.
func CorrelationID(identity string, seq int) string {
	return uuid.NewSHA1(correlationNamespace, []byte(identity+"#"+strconv.Itoa(seq))).String()
}

// ManualID returns the id of a manually triggered notification. Retries
// carrying the same idempotency key get the same id; without a key every
// call gets a fresh one.
func ManualID(idempotencyKey string) string {
	if idempotencyKey == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(correlationNamespace, []byte("manual#"+idempotencyKey)).String()
}

// Intent is a planned, not yet executed notification.
type Intent struct {
	Channel       Channel
	Recipient     string
	Subject       string
	Message       string
	CorrelationID string
}

// Record is the audit entry for one executed intent. NotificationID is the
// intent's CorrelationID, so re-executing an intent yields the same key.
type Record struct {
	NotificationID string    `json:"notification_id"`
	Channel        Channel   `json:"channel"`
	Recipient      string    `json:"recipient"`
	Message        string    `json:"message"`
	Status         Status    `json:"status"`
	AttemptedAt    time.Time `json:"attempted_at"`
	ErrorDetail    string    `json:"error_detail,omitempty"`
	Attempts       int       `json:"attempts"`
}

var ErrInvalidRecord = errors.New("invalid dispatch record")

// Validate checks the record invariants: a key, a known status, and an error
// detail present exactly when the status is failed.
func (r Record) Validate() error {
	if r.NotificationID == "" {
		return fmt.Errorf("%w: empty notification_id", ErrInvalidRecord)
	}
	switch r.Status {
	case StatusSent:
		if r.ErrorDetail != "" {
			return fmt.Errorf("%w: %s: error_detail on sent record", ErrInvalidRecord, r.NotificationID)
		}
	case StatusFailed:
		if r.ErrorDetail == "" {
			return fmt.Errorf("%w: %s: failed record without error_detail", ErrInvalidRecord, r.NotificationID)
		}
	default:
		return fmt.Errorf("%w: %s: unknown status %q", ErrInvalidRecord, r.NotificationID, r.Status)
	}
	return nil
}

func newRecord(in Intent, at time.Time) Record {
	return Record{
		NotificationID: in.CorrelationID,
		Channel:        in.Channel,
		Recipient:      in.Recipient,
		Message:        in.Message,
		AttemptedAt:    at,
		Attempts:       1,
	}
}
