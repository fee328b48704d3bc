package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auth-core/internal/model"
)

var auditBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func eventAt(minutes int, typ model.SecurityEventType, user string) *model.SecurityEvent {
	return &model.SecurityEvent{
		ID:         fmt.Sprintf("%s-%d", typ, minutes),
		Type:       typ,
		UserID:     user,
		OccurredAt: auditBase.Add(time.Duration(minutes) * time.Minute),
	}
}

func TestRecentEventsSearchNewestFirst(t *testing.T) {
	r := NewRecentEvents(16)
	ctx := context.Background()
	require.NoError(t, r.Write(ctx, []*model.SecurityEvent{
		eventAt(0, model.EventSessionCreated, "u1"),
		eventAt(1, model.EventOTPFailed, "u1"),
		eventAt(2, model.EventSessionCreated, "u2"),
		eventAt(3, model.EventSessionRevoked, "u1"),
	}))

	got, err := r.Search(ctx, model.AuditQuery{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, model.EventSessionRevoked, got[0].Type)
	assert.Equal(t, model.EventSessionCreated, got[2].Type)

	got, err = r.Search(ctx, model.AuditQuery{
		Types: []model.SecurityEventType{model.EventSessionCreated},
		From:  auditBase.Add(time.Minute),
		To:    auditBase.Add(3 * time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "u2", got[0].UserID)

	got, err = r.Search(ctx, model.AuditQuery{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestRecentEventsRingOverwritesOldest(t *testing.T) {
	r := NewRecentEvents(3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, r.Write(ctx, []*model.SecurityEvent{eventAt(i, model.EventOTPSent, "u")}))
	}

	got, err := r.Search(ctx, model.AuditQuery{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, auditBase.Add(4*time.Minute), got[0].OccurredAt)
	assert.Equal(t, auditBase.Add(2*time.Minute), got[2].OccurredAt)
}

func TestRecentEventsCountByType(t *testing.T) {
	r := NewRecentEvents(0)
	ctx := context.Background()
	require.NoError(t, r.Write(ctx, []*model.SecurityEvent{
		eventAt(0, model.EventOTPSent, "a"),
		eventAt(1, model.EventOTPSent, "b"),
		eventAt(2, model.EventOTPFailed, "a"),
		eventAt(90, model.EventOTPSent, "a"),
	}))

	counts, err := r.CountByType(ctx, auditBase, auditBase.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, map[model.SecurityEventType]int64{
		model.EventOTPSent:   2,
		model.EventOTPFailed: 1,
	}, counts)
}

type fakeDocs struct {
	index string
	query map[string]interface{}
	hits  []json.RawMessage
	err   error
}

func (f *fakeDocs) Search(_ context.Context, index string, query map[string]interface{}) ([]json.RawMessage, error) {
	f.index, f.query = index, query
	return f.hits, f.err
}

func TestElasticSearcherBuildsFilterQuery(t *testing.T) {
	raw, err := json.Marshal(eventAt(5, model.EventLockoutApplied, "u1"))
	require.NoError(t, err)
	docs := &fakeDocs{hits: []json.RawMessage{raw}}
	s := NewElasticSearcher(docs, "security-events")

	got, err := s.Search(context.Background(), model.AuditQuery{
		UserID: "u1",
		Types:  []model.SecurityEventType{model.EventLockoutApplied, model.EventRateLimitDenied},
		From:   auditBase,
		To:     auditBase.Add(time.Hour),
		Limit:  50,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.EventLockoutApplied, got[0].Type)
	assert.Equal(t, "security-events", docs.index)

	body, err := json.Marshal(docs.query)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"size": 50,
		"sort": [{"occurred_at": {"order": "desc"}}],
		"query": {"bool": {"filter": [
			{"range": {"occurred_at": {"gte": "2026-03-01T12:00:00Z", "lt": "2026-03-01T13:00:00Z"}}},
			{"term": {"user_id.keyword": "u1"}},
			{"terms": {"event_type.keyword": ["lockout.applied", "ratelimit.denied"]}}
		]}}
	}`, string(body))
}

func TestElasticSearcherPropagatesErrors(t *testing.T) {
	s := NewElasticSearcher(&fakeDocs{err: errors.New("cluster red")}, "idx")
	_, err := s.Search(context.Background(), model.AuditQuery{})
	assert.ErrorContains(t, err, "cluster red")

	s = NewElasticSearcher(&fakeDocs{hits: []json.RawMessage{json.RawMessage(`"nope"`)}}, "idx")
	_, err = s.Search(context.Background(), model.AuditQuery{})
	assert.ErrorContains(t, err, "decode")
}

type fakeGroups struct {
	query string
	args  []interface{}
	rows  map[string]uint64
}

func (f *fakeGroups) CountGroups(_ context.Context, query string, args ...interface{}) (map[string]uint64, error) {
	f.query, f.args = query, args
	return f.rows, nil
}

func TestClickHouseCounterGroupsByType(t *testing.T) {
	conn := &fakeGroups{rows: map[string]uint64{"otp.sent": 7, "otp.failed": 2}}
	c := NewClickHouseCounter(conn, "security_events")

	counts, err := c.CountByType(context.Background(), auditBase, auditBase.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(7), counts[model.EventOTPSent])
	assert.Equal(t, int64(2), counts[model.EventOTPFailed])
	assert.Contains(t, conn.query, "FROM security_events")
	assert.Contains(t, conn.query, "GROUP BY event_type")
	assert.Equal(t, []interface{}{auditBase, auditBase.Add(time.Hour)}, conn.args)
}
