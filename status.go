package courier

import "strings"

// Bucket is one of the counter buckets a message status folds into.
type Bucket string

const (
	BucketPending Bucket = "pending"
	BucketSent    Bucket = "sent"
	BucketFailed  Bucket = "failed"
)

// StatusKind enumerates the message statuses the backend is known to emit.
type StatusKind int

const (
	StatusUnknown StatusKind = iota
	StatusCreated
	StatusQueued
	StatusPending
	StatusProcessing
	StatusScheduled
	StatusFailed
	StatusError
	StatusCancelled
	StatusSent
	StatusDelivered
	StatusRead
)

var statusNames = map[string]StatusKind{
	"created":    StatusCreated,
	"queued":     StatusQueued,
	"pending":    StatusPending,
	"processing": StatusProcessing,
	"scheduled":  StatusScheduled,
	"failed":     StatusFailed,
	"error":      StatusError,
	"cancelled":  StatusCancelled,
	"sent":       StatusSent,
	"delivered":  StatusDelivered,
	"read":       StatusRead,
}

// RemoteStatus is a parsed backend status. Raw keeps the original string so
// unknown values can be reported.
type RemoteStatus struct {
	Kind StatusKind
	Raw  string
}

// ParseRemoteStatus maps a raw status string onto the known vocabulary.
// Matching ignores case and surrounding space; anything else is StatusUnknown.
func ParseRemoteStatus(raw string) RemoteStatus {
	kind, ok := statusNames[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		kind = StatusUnknown
	}
	return RemoteStatus{Kind: kind, Raw: raw}
}

// Known reports whether the status is part of the known vocabulary.
func (s RemoteStatus) Known() bool {
	return s.Kind != StatusUnknown
}

// Bucket returns the counter bucket for the status. Unknown statuses count as
// pending so they stay visible.
func (s RemoteStatus) Bucket() Bucket {
	switch s.Kind {
	case StatusFailed, StatusError, StatusCancelled:
		return BucketFailed
	case StatusSent, StatusDelivered, StatusRead:
		return BucketSent
	default:
		return BucketPending
	}
}

// Delivered reports whether the status implies delivery to the recipient.
func (s RemoteStatus) Delivered() bool {
	return s.Kind == StatusDelivered || s.Kind == StatusRead
}

// Read reports whether the recipient has read the message.
func (s RemoteStatus) Read() bool {
	return s.Kind == StatusRead
}

func (s RemoteStatus) String() string {
	if s.Kind == StatusUnknown {
		return "unknown(" + s.Raw + ")"
	}
	return strings.ToLower(strings.TrimSpace(s.Raw))
}
