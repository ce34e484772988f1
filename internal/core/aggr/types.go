package aggr

import (
	"time"

	v1 "github.com/portalstats-lab/portalstats/internal/api/v1"
	"github.com/portalstats-lab/portalstats/internal/core/interval"
)

// Kind is the closed set of aggregation variants. Each kind pairs an event
// type with a payload shape and a merge function; see payload.go.
type Kind string

const (
	KindLogin   Kind = "login"
	KindSession Kind = "session"
	KindRender  Kind = "render"
)

// Kinds lists every aggregation kind.
var Kinds = []Kind{KindLogin, KindSession, KindRender}

// KindForEventType maps a raw portal event type to the aggregation kind that
// consumes it. Returns false for event types nothing aggregates.
func KindForEventType(eventType string) (Kind, bool) {
	switch eventType {
	case v1.TypeLogin:
		return KindLogin, true
	case v1.TypeSessionCreated:
		return KindSession, true
	case v1.TypePortletRender:
		return KindRender, true
	}
	return "", false
}

// Key uniquely identifies one aggregation bucket: what is being counted, over
// which interval and bucket start, for which group. The dimension ids locate
// the bucket start in the date/time lookup tables.
type Key struct {
	Kind            Kind
	Interval        interval.Interval
	IntervalStart   time.Time
	DateDimensionID int64
	TimeDimensionID int64
	GroupID         int64
}

// BucketKey is the (kind, interval, interval-start) prefix shared by every
// group's row in one bucket. Used for interval-scoped lookups.
func (k Key) BucketKey() Key {
	return Key{Kind: k.Kind, Interval: k.Interval, IntervalStart: k.IntervalStart}
}

// Aggregation is the mutable running state for one key: a common header plus a
// kind-specific payload. A completed aggregation is never merged again.
type Aggregation struct {
	Key             Key
	Complete        bool
	DurationMinutes int // minutes the bucket was closed for; 0 while open
	Payload         Payload
	UpdatedAt       time.Time
}

// New returns the zero-state aggregation for key.
func New(key Key) *Aggregation {
	return &Aggregation{Key: key, Payload: NewPayload(key.Kind)}
}

// Apply merges one event into an open aggregation. Merging into a completed
// aggregation is a no-op: closed buckets are immutable.
func (a *Aggregation) Apply(ev *v1.PortalEvent) {
	if a.Complete {
		return
	}
	a.Payload.Apply(ev)
}

// IntervalComplete transitions the aggregation to its closed state, finalizing
// derived metrics for a bucket that spanned durationMinutes. Idempotent:
// calling it again leaves observable state unchanged.
func (a *Aggregation) IntervalComplete(durationMinutes int) {
	if a.Complete {
		return
	}
	a.Complete = true
	a.DurationMinutes = durationMinutes
	a.Payload.Close(durationMinutes)
}

// Clone returns a deep copy, payload included.
func (a *Aggregation) Clone() *Aggregation {
	dup := *a
	dup.Payload = a.Payload.Clone()
	return &dup
}
