package api

import "github.com/google/uuid"

// ID prefixes distinguish the object kind at a glance in logs.
const (
	requestIDPrefix     = "req_"
	attemptIDPrefix     = "att_"
	reservationIDPrefix = "rsv_"
)

// NewRequestID generates an identifier for one logical request.
func NewRequestID() string {
	return requestIDPrefix + uuid.NewString()
}

// NewAttemptID generates an identifier for one dispatch attempt.
func NewAttemptID() string {
	return attemptIDPrefix + uuid.NewString()
}

// NewReservationID generates an identifier for a rate-limit reservation.
func NewReservationID() string {
	return reservationIDPrefix + uuid.NewString()
}
