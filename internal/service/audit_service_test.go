package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auth-core/internal/autherr"
	"auth-core/internal/events"
	"auth-core/internal/model"
)

type failingAuditBackend struct{ calls int }

func (b *failingAuditBackend) Search(context.Context, model.AuditQuery) ([]*model.SecurityEvent, error) {
	b.calls++
	return nil, errors.New("backend down")
}

func (b *failingAuditBackend) CountByType(context.Context, time.Time, time.Time) (map[model.SecurityEventType]int64, error) {
	b.calls++
	return nil, errors.New("backend down")
}

type stubSearcher struct{ q model.AuditQuery }

func (s *stubSearcher) Search(_ context.Context, q model.AuditQuery) ([]*model.SecurityEvent, error) {
	s.q = q
	return []*model.SecurityEvent{{ID: "from-backend"}}, nil
}

func seededRecent(t *testing.T, now time.Time) *events.RecentEvents {
	t.Helper()
	recent := events.NewRecentEvents(64)
	require.NoError(t, recent.Write(context.Background(), []*model.SecurityEvent{
		{ID: "1", Type: model.EventOTPSent, Subject: testPhone, OccurredAt: now.Add(-3 * time.Hour)},
		{ID: "2", Type: model.EventOTPFailed, Subject: testPhone, OccurredAt: now.Add(-2 * time.Hour)},
		{ID: "3", Type: model.EventSessionCreated, UserID: "user-1", OccurredAt: now.Add(-time.Hour)},
		{ID: "4", Type: model.EventLockoutApplied, Subject: testPhone, OccurredAt: now.Add(-30 * time.Minute)},
		{ID: "5", Type: model.EventOTPSent, Subject: testPhone, OccurredAt: now.Add(-48 * time.Hour)},
	}))
	return recent
}

func TestAuditSearchDefaultsToLastDay(t *testing.T) {
	clock := newFakeClock()
	svc := NewAuditService(seededRecent(t, clock.Now())).WithClock(clock.Now)

	page, err := svc.SearchEvents(context.Background(), model.AuditQuery{Subject: testPhone})
	require.NoError(t, err)
	assert.Equal(t, "memory", page.Source)
	assert.Equal(t, defaultAuditLimit, page.Query.Limit)
	assert.Equal(t, clock.Now().Add(-24*time.Hour), page.Query.From)

	ids := make([]string, 0, len(page.Events))
	for _, ev := range page.Events {
		ids = append(ids, ev.ID)
	}
	assert.Equal(t, []string{"4", "2", "1"}, ids, "newest first, two-day-old event outside the window")
}

func TestAuditSecurityEventsOnlyDefensiveTypes(t *testing.T) {
	clock := newFakeClock()
	svc := NewAuditService(seededRecent(t, clock.Now())).WithClock(clock.Now)

	page, err := svc.SecurityEvents(context.Background(), time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	assert.Equal(t, model.EventLockoutApplied, page.Events[0].Type)
	assert.Equal(t, model.EventOTPFailed, page.Events[1].Type)
}

func TestAuditStatisticsCountsPerType(t *testing.T) {
	clock := newFakeClock()
	svc := NewAuditService(seededRecent(t, clock.Now())).WithClock(clock.Now)

	stats, err := svc.Statistics(context.Background(), clock.Now().Add(-72*time.Hour), clock.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.Total)
	assert.Equal(t, int64(2), stats.ByType[model.EventOTPSent])
	assert.Equal(t, int64(1), stats.ByType[model.EventLockoutApplied])
}

func TestAuditBackendsPreferredWithFallback(t *testing.T) {
	clock := newFakeClock()
	ctx := context.Background()

	searcher := &stubSearcher{}
	svc := NewAuditService(seededRecent(t, clock.Now())).WithClock(clock.Now).
		WithSearch(searcher, "elasticsearch")
	page, err := svc.SearchEvents(ctx, model.AuditQuery{UserID: "user-1", Limit: 5000})
	require.NoError(t, err)
	assert.Equal(t, "elasticsearch", page.Source)
	assert.Equal(t, maxAuditLimit, searcher.q.Limit)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "from-backend", page.Events[0].ID)

	broken := &failingAuditBackend{}
	svc = NewAuditService(seededRecent(t, clock.Now())).WithClock(clock.Now).
		WithSearch(broken, "elasticsearch").
		WithCounts(broken, "clickhouse")

	page, err = svc.SearchEvents(ctx, model.AuditQuery{UserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, "memory", page.Source)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "3", page.Events[0].ID)

	stats, err := svc.Statistics(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "memory", stats.Source)
	assert.Equal(t, int64(4), stats.Total)
	assert.Equal(t, 2, broken.calls)
}

func TestAuditRejectsBadRanges(t *testing.T) {
	clock := newFakeClock()
	svc := NewAuditService(nil).WithClock(clock.Now)
	ctx := context.Background()
	now := clock.Now()

	_, err := svc.SearchEvents(ctx, model.AuditQuery{From: now, To: now.Add(-time.Hour)})
	assert.ErrorIs(t, err, autherr.ErrValidation)

	_, err = svc.Statistics(ctx, now.Add(-100*24*time.Hour), now)
	assert.ErrorIs(t, err, autherr.ErrValidation)
}
