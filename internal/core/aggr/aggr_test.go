package aggr

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/portalstats-lab/portalstats/internal/api/v1"
	"github.com/portalstats-lab/portalstats/internal/core/interval"
)

func loginEvent(user string) *v1.PortalEvent {
	return &v1.PortalEvent{Type: v1.TypeLogin, UserName: user, OccurredAt: time.Now()}
}

func renderEvent(millis int64) *v1.PortalEvent {
	return &v1.PortalEvent{Type: v1.TypePortletRender, RenderMillis: millis, OccurredAt: time.Now()}
}

func TestKindForEventType(t *testing.T) {
	tests := []struct {
		eventType string
		want      Kind
		ok        bool
	}{
		{v1.TypeLogin, KindLogin, true},
		{v1.TypeSessionCreated, KindSession, true},
		{v1.TypePortletRender, KindRender, true},
		{"portlet_action", "", false},
	}
	for _, tt := range tests {
		kind, ok := KindForEventType(tt.eventType)
		assert.Equal(t, tt.ok, ok, tt.eventType)
		assert.Equal(t, tt.want, kind, tt.eventType)
	}
}

func TestLoginPayloadCountsDistinctUsers(t *testing.T) {
	p := &LoginPayload{}
	p.Apply(loginEvent("alice"))
	p.Apply(loginEvent("bob"))
	p.Apply(loginEvent("alice"))

	assert.Equal(t, int64(3), p.LoginCount)
	assert.Equal(t, int64(2), p.UniqueUsers)

	p.Close(5)
	assert.Nil(t, p.Usernames)
	assert.Equal(t, int64(2), p.UniqueUsers)
}

func TestSessionPayloadCounts(t *testing.T) {
	p := &SessionPayload{}
	for i := 0; i < 4; i++ {
		p.Apply(&v1.PortalEvent{Type: v1.TypeSessionCreated})
	}
	assert.Equal(t, int64(4), p.SessionCount)
}

func TestRenderPayloadStatistics(t *testing.T) {
	p := &RenderPayload{}
	p.Apply(renderEvent(100))
	p.Apply(renderEvent(50))
	p.Apply(renderEvent(250))

	assert.Equal(t, int64(3), p.RenderCount)
	assert.True(t, p.MinMillis.Equal(decimal.NewFromInt(50)), "min %s", p.MinMillis)
	assert.True(t, p.MaxMillis.Equal(decimal.NewFromInt(250)), "max %s", p.MaxMillis)
	assert.True(t, p.TotalMillis.Equal(decimal.NewFromInt(400)), "total %s", p.TotalMillis)

	p.Close(60)
	want := decimal.NewFromFloat(133.333)
	assert.True(t, p.MeanMillis.Equal(want), "mean %s", p.MeanMillis)
}

func TestRenderPayloadCloseEmpty(t *testing.T) {
	p := &RenderPayload{}
	p.Close(60)
	assert.True(t, p.MeanMillis.IsZero())
}

func TestAggregationNoMergeAfterClose(t *testing.T) {
	agg := New(Key{Kind: KindLogin, Interval: interval.FiveMinute})
	agg.Apply(loginEvent("alice"))

	agg.IntervalComplete(5)
	require.True(t, agg.Complete)
	assert.Equal(t, 5, agg.DurationMinutes)

	agg.Apply(loginEvent("bob"))
	payload := agg.Payload.(*LoginPayload)
	assert.Equal(t, int64(1), payload.LoginCount)
	assert.Equal(t, int64(1), payload.UniqueUsers)
}

func TestIntervalCompleteIdempotent(t *testing.T) {
	agg := New(Key{Kind: KindRender, Interval: interval.Hour})
	agg.Apply(renderEvent(120))

	agg.IntervalComplete(60)
	first := agg.Payload.(*RenderPayload).MeanMillis

	agg.IntervalComplete(90)
	assert.Equal(t, 60, agg.DurationMinutes)
	assert.True(t, first.Equal(agg.Payload.(*RenderPayload).MeanMillis))
}

func TestCloneIsDeep(t *testing.T) {
	agg := New(Key{Kind: KindLogin, Interval: interval.Day})
	agg.Apply(loginEvent("alice"))

	dup := agg.Clone()
	dup.Apply(loginEvent("bob"))

	original := agg.Payload.(*LoginPayload)
	copied := dup.Payload.(*LoginPayload)
	assert.Equal(t, int64(1), original.LoginCount)
	assert.Equal(t, int64(2), copied.LoginCount)
}

func TestPayloadRoundTrip(t *testing.T) {
	p := &LoginPayload{}
	p.Apply(loginEvent("alice"))
	p.Apply(loginEvent("bob"))

	data, err := MarshalPayload(p)
	require.NoError(t, err)

	decoded, err := UnmarshalPayload(KindLogin, data)
	require.NoError(t, err)

	restored := decoded.(*LoginPayload)
	assert.Equal(t, int64(2), restored.LoginCount)
	assert.Equal(t, int64(2), restored.UniqueUsers)

	// The open-bucket username set survives persistence, so a later batch
	// still deduplicates against it.
	restored.Apply(loginEvent("alice"))
	assert.Equal(t, int64(2), restored.UniqueUsers)
}

func TestNewPayloadUnknownKindPanics(t *testing.T) {
	assert.Panics(t, func() { NewPayload(Kind("unknown")) })
}
