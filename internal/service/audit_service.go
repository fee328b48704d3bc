package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"auth-core/internal/autherr"
	"auth-core/internal/events"
	"auth-core/internal/model"
	"auth-core/internal/util"
)

const (
	defaultAuditWindow = 24 * time.Hour
	maxAuditWindow     = 90 * 24 * time.Hour
	defaultAuditLimit  = 100
	maxAuditLimit      = 1000

	auditSourceMemory = "memory"
)

// securityEventTypes are the events that indicate an attack or a defensive
// action rather than routine traffic.
var securityEventTypes = []model.SecurityEventType{
	model.EventOTPFailed,
	model.EventRateLimitDenied,
	model.EventLockoutApplied,
	model.EventSessionReplay,
	model.EventDeviceRevoked,
}

// AuditService reads back published security events. Searches go to the
// search backend and counts to the analytics backend when configured; the
// in-process ring answers otherwise and whenever a backend fails.
type AuditService struct {
	recent       *events.RecentEvents
	search       events.EventSearcher
	searchSource string
	counts       events.EventCounter
	countSource  string
	clock        func() time.Time
}

func NewAuditService(recent *events.RecentEvents) *AuditService {
	if recent == nil {
		recent = events.NewRecentEvents(0)
	}
	return &AuditService{recent: recent, clock: time.Now}
}

// WithSearch routes searches to s; source names it in responses.
func (a *AuditService) WithSearch(s events.EventSearcher, source string) *AuditService {
	a.search, a.searchSource = s, source
	return a
}

// WithCounts routes statistics to c; source names it in responses.
func (a *AuditService) WithCounts(c events.EventCounter, source string) *AuditService {
	a.counts, a.countSource = c, source
	return a
}

func (a *AuditService) WithClock(clock func() time.Time) *AuditService {
	a.clock = clock
	return a
}

// SearchEvents returns events matching q, newest first.
func (a *AuditService) SearchEvents(ctx context.Context, q model.AuditQuery) (*model.AuditPage, error) {
	q, err := a.normalize(q)
	if err != nil {
		return nil, err
	}

	if a.search != nil {
		found, err := a.search.Search(ctx, q)
		if err == nil {
			return &model.AuditPage{Events: found, Query: q, Source: a.searchSource}, nil
		}
		util.Warn("Audit search backend failed, serving recent events",
			zap.String("source", a.searchSource),
			zap.Error(err))
	}

	found, err := a.recent.Search(ctx, q)
	if err != nil {
		return nil, autherr.Internal("failed to search security events", err)
	}
	return &model.AuditPage{Events: found, Query: q, Source: auditSourceMemory}, nil
}

// SecurityEvents narrows a search to attack and defence events.
func (a *AuditService) SecurityEvents(ctx context.Context, from, to time.Time, limit int) (*model.AuditPage, error) {
	return a.SearchEvents(ctx, model.AuditQuery{
		Types: securityEventTypes,
		From:  from,
		To:    to,
		Limit: limit,
	})
}

// Statistics counts events per type over [from, to).
func (a *AuditService) Statistics(ctx context.Context, from, to time.Time) (*model.AuditStatistics, error) {
	q, err := a.normalize(model.AuditQuery{From: from, To: to})
	if err != nil {
		return nil, err
	}

	var counts map[model.SecurityEventType]int64
	source := a.countSource
	if a.counts != nil {
		counts, err = a.counts.CountByType(ctx, q.From, q.To)
		if err != nil {
			util.Warn("Audit analytics backend failed, counting recent events",
				zap.String("source", a.countSource),
				zap.Error(err))
			counts = nil
		}
	}
	if counts == nil {
		source = auditSourceMemory
		if counts, err = a.recent.CountByType(ctx, q.From, q.To); err != nil {
			return nil, autherr.Internal("failed to count security events", err)
		}
	}

	stats := &model.AuditStatistics{From: q.From, To: q.To, ByType: counts, Source: source}
	for _, n := range counts {
		stats.Total += n
	}
	return stats, nil
}

// normalize fills the default window and limit and rejects ranges the
// backends should never be asked for.
func (a *AuditService) normalize(q model.AuditQuery) (model.AuditQuery, error) {
	if q.To.IsZero() {
		q.To = a.clock()
	}
	if q.From.IsZero() {
		q.From = q.To.Add(-defaultAuditWindow)
	}
	if !q.From.Before(q.To) {
		return q, autherr.Validation("from must be before to")
	}
	if q.To.Sub(q.From) > maxAuditWindow {
		return q, autherr.Validation("time range exceeds %d days", int(maxAuditWindow/(24*time.Hour)))
	}
	switch {
	case q.Limit <= 0:
		q.Limit = defaultAuditLimit
	case q.Limit > maxAuditLimit:
		q.Limit = maxAuditLimit
	}
	return q, nil
}
