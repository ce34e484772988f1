package v1

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPortalEventValidate(t *testing.T) {
	valid := PortalEvent{
		ID:         "ev-1",
		Type:       TypeLogin,
		UserName:   "alice",
		GroupPaths: []string{"local.0"},
		OccurredAt: time.Date(2011, time.November, 9, 14, 0, 0, 0, time.UTC),
	}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*PortalEvent)
	}{
		{"missing id", func(e *PortalEvent) { e.ID = "" }},
		{"missing type", func(e *PortalEvent) { e.Type = "" }},
		{"missing user", func(e *PortalEvent) { e.UserName = "" }},
		{"missing timestamp", func(e *PortalEvent) { e.OccurredAt = time.Time{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := valid
			tt.mutate(&ev)
			assert.Error(t, ev.Validate())
		})
	}
}
