package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a task
type Status string

const (
	StatusWorking       Status = "working"
	StatusInputRequired Status = "input_required"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusCancelled     Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the five known states.
func (s Status) Valid() bool {
	switch s {
	case StatusWorking, StatusInputRequired, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state machine permits moving from s to
// next. Terminal states permit nothing; the two non-terminal states permit
// every state except themselves.
func (s Status) CanTransitionTo(next Status) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if s.Terminal() {
		return false
	}
	return s != next
}

// Record is the durable unit of state for one long-running operation.
//
// Field order is load-bearing: the canonical encoding marshals struct fields
// in declaration order, and every backend must produce byte-identical
// payloads for the same logical record.
type Record struct {
	ID            string                     `json:"id"`
	OwnerID       string                     `json:"owner_id"`
	Status        Status                     `json:"status"`
	Variables     map[string]json.RawMessage `json:"variables,omitempty"`
	Result        json.RawMessage            `json:"result,omitempty"`
	CreatedAt     int64                      `json:"created_at"`
	ExpiresAt     int64                      `json:"expires_at"`
	RequestMethod string                     `json:"request_method,omitempty"`
	Version       int64                      `json:"version"`
}

// New creates a record for owner with a freshly generated unguessable ID.
// The record always starts in the working state at version 0; timestamps are
// stamped separately via Stamp so callers can inject a clock.
func New(ownerID, requestMethod string) *Record {
	return &Record{
		ID:            uuid.NewString(),
		OwnerID:       ownerID,
		Status:        StatusWorking,
		RequestMethod: requestMethod,
	}
}

// RegenerateID assigns a new random ID. Used when a first write collides
// with an existing key.
func (r *Record) RegenerateID() {
	r.ID = uuid.NewString()
}

// Stamp sets the creation and expiry timestamps from a creation time and TTL.
func (r *Record) Stamp(createdAt time.Time, ttl time.Duration) {
	r.CreatedAt = createdAt.UnixMilli()
	r.ExpiresAt = createdAt.Add(ttl).UnixMilli()
}

// Expired reports whether the record's expiry has passed at the given time.
func (r *Record) Expired(now time.Time) bool {
	return r.ExpiresAt > 0 && now.UnixMilli() >= r.ExpiresAt
}

// ExpiryTime returns the expiry as a time.Time.
func (r *Record) ExpiryTime() time.Time {
	return time.UnixMilli(r.ExpiresAt)
}

// Clone returns a deep copy. Mutations are always applied to a copy so a
// failed write never leaves a half-updated record visible to the caller.
func (r *Record) Clone() *Record {
	out := *r
	if r.Variables != nil {
		out.Variables = make(map[string]json.RawMessage, len(r.Variables))
		for k, v := range r.Variables {
			out.Variables[k] = append(json.RawMessage(nil), v...)
		}
	}
	if r.Result != nil {
		out.Result = append(json.RawMessage(nil), r.Result...)
	}
	return &out
}
