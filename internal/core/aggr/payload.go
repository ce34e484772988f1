package aggr

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	v1 "github.com/portalstats-lab/portalstats/internal/api/v1"
)

// Payload is the kind-specific half of an aggregation row. Implementations
// fold events into running state and finalize derived metrics on close.
// To add a variant: implement Payload and register it in payloadFactories.
type Payload interface {
	// Apply folds one event into the running state.
	Apply(ev *v1.PortalEvent)

	// Close finalizes derived metrics once the bucket's durationMinutes have
	// fully elapsed. Transient working state is discarded here.
	Close(durationMinutes int)

	// Clone returns a deep copy.
	Clone() Payload
}

// payloadFactories is the registry of payload constructors, one per Kind.
var payloadFactories = map[Kind]func() Payload{
	KindLogin:   func() Payload { return &LoginPayload{} },
	KindSession: func() Payload { return &SessionPayload{} },
	KindRender:  func() Payload { return &RenderPayload{} },
}

// NewPayload returns the zero-state payload for kind. Panics on an unknown
// kind: Kind is a closed enumeration and callers construct keys from it.
func NewPayload(kind Kind) Payload {
	factory, ok := payloadFactories[kind]
	if !ok {
		panic(fmt.Sprintf("aggr: unknown aggregation kind %q", kind))
	}
	return factory()
}

// UnmarshalPayload decodes a persisted payload for kind.
func UnmarshalPayload(kind Kind, data []byte) (Payload, error) {
	payload := NewPayload(kind)
	if err := json.Unmarshal(data, payload); err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", kind, err)
	}
	return payload, nil
}

// MarshalPayload encodes a payload for persistence.
func MarshalPayload(p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}

// LoginPayload counts logins and distinct users. The username set is carried
// while the bucket is open so re-runs and multi-batch buckets count each user
// once; Close drops it, keeping only the final distinct count.
type LoginPayload struct {
	LoginCount  int64           `json:"login_count"`
	UniqueUsers int64           `json:"unique_users"`
	Usernames   map[string]bool `json:"usernames,omitempty"`
}

func (p *LoginPayload) Apply(ev *v1.PortalEvent) {
	p.LoginCount++
	if p.Usernames == nil {
		p.Usernames = make(map[string]bool)
	}
	p.Usernames[ev.UserName] = true
	p.UniqueUsers = int64(len(p.Usernames))
}

func (p *LoginPayload) Close(int) {
	p.Usernames = nil
}

func (p *LoginPayload) Clone() Payload {
	dup := *p
	if p.Usernames != nil {
		dup.Usernames = make(map[string]bool, len(p.Usernames))
		for name := range p.Usernames {
			dup.Usernames[name] = true
		}
	}
	return &dup
}

// SessionPayload counts portal sessions created.
type SessionPayload struct {
	SessionCount int64 `json:"session_count"`
}

func (p *SessionPayload) Apply(*v1.PortalEvent) {
	p.SessionCount++
}

func (p *SessionPayload) Close(int) {}

func (p *SessionPayload) Clone() Payload {
	dup := *p
	return &dup
}

// RenderPayload tracks portlet render counts and durations. Durations are
// summed exactly; MeanMillis is derived on close.
type RenderPayload struct {
	RenderCount int64           `json:"render_count"`
	TotalMillis decimal.Decimal `json:"total_millis"`
	MinMillis   decimal.Decimal `json:"min_millis"`
	MaxMillis   decimal.Decimal `json:"max_millis"`
	MeanMillis  decimal.Decimal `json:"mean_millis"`
}

func (p *RenderPayload) Apply(ev *v1.PortalEvent) {
	millis := decimal.NewFromInt(ev.RenderMillis)
	if p.RenderCount == 0 {
		p.MinMillis = millis
		p.MaxMillis = millis
	} else {
		if millis.LessThan(p.MinMillis) {
			p.MinMillis = millis
		}
		if millis.GreaterThan(p.MaxMillis) {
			p.MaxMillis = millis
		}
	}
	p.RenderCount++
	p.TotalMillis = p.TotalMillis.Add(millis)
}

func (p *RenderPayload) Close(int) {
	if p.RenderCount > 0 {
		p.MeanMillis = p.TotalMillis.Div(decimal.NewFromInt(p.RenderCount)).Round(3)
	}
}

func (p *RenderPayload) Clone() Payload {
	dup := *p
	return &dup
}
