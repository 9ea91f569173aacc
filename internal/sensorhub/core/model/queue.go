package model

import "time"

// QueueStatus is the delivery status of a QueuedMessage.
type QueueStatus string

const (
	QueueStatusQueued     QueueStatus = "QUEUED"
	QueueStatusProcessing QueueStatus = "PROCESSING"
	QueueStatusSent       QueueStatus = "SENT"
	QueueStatusFailed     QueueStatus = "FAILED"
	QueueStatusExpired    QueueStatus = "EXPIRED"
)

// QueuedMessage is a DeviceMessage persisted because no channel could deliver it.
type QueuedMessage struct {
	DeviceMessage

	Status      QueueStatus `json:"status"`
	RetryCount  int         `json:"retryCount"`
	LastRetryAt *time.Time  `json:"lastRetryAt,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// Expired reports whether the message TTL has elapsed at now.
func (q *QueuedMessage) Expired(now time.Time) bool {
	return !now.Before(q.ExpiresAt())
}
