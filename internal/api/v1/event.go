package v1

import (
	"fmt"
	"time"
)

// Portal event types the engine knows how to aggregate. Raw capture is an
// external concern; these are the shapes the event source hands back.
const (
	TypeLogin          = "login"
	TypeSessionCreated = "session_created"
	TypePortletRender  = "portlet_render"
)

// PortalEvent is one timestamped portal interaction read from the event source.
type PortalEvent struct {
	// ID is the capture-side unique identifier.
	ID string `json:"id"`

	// Type is the portal interaction kind (TypeLogin, TypeSessionCreated, ...).
	Type string `json:"type"`

	// UserName is the acting portal user. Drives distinct-user counting.
	UserName string `json:"user_name"`

	// GroupPaths are the composite group paths the user belonged to when the
	// event occurred, e.g. "local.0". Each event is aggregated once per group.
	GroupPaths []string `json:"group_paths"`

	// RenderMillis is the portlet render duration. Only set for TypePortletRender.
	RenderMillis int64 `json:"render_millis,omitempty"`

	// OccurredAt is the interaction timestamp. Batch ordering and the
	// aggregation checkpoint are both driven by this value.
	OccurredAt time.Time `json:"occurred_at"`
}

// Validate ensures the event carries everything aggregation needs.
func (e *PortalEvent) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	if e.Type == "" {
		return fmt.Errorf("type is required")
	}
	if e.UserName == "" {
		return fmt.Errorf("user_name is required")
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("occurred_at is required")
	}
	return nil
}
