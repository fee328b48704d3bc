package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"auth-core/internal/model"
)

const defaultRecentCapacity = 10000

// EventSearcher returns events matching q, newest first, at most q.Limit.
type EventSearcher interface {
	Search(ctx context.Context, q model.AuditQuery) ([]*model.SecurityEvent, error)
}

// EventCounter counts events per type in [from, to).
type EventCounter interface {
	CountByType(ctx context.Context, from, to time.Time) (map[model.SecurityEventType]int64, error)
}

// RecentEvents is a sink holding the newest events in a fixed ring. It
// answers audit queries when no search or analytics backend is configured.
type RecentEvents struct {
	mu   sync.RWMutex
	ring []*model.SecurityEvent
	next int
	full bool
}

func NewRecentEvents(capacity int) *RecentEvents {
	if capacity <= 0 {
		capacity = defaultRecentCapacity
	}
	return &RecentEvents{ring: make([]*model.SecurityEvent, capacity)}
}

func (r *RecentEvents) Name() string { return "recent" }

func (r *RecentEvents) Write(_ context.Context, batch []*model.SecurityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range batch {
		r.ring[r.next] = ev
		r.next = (r.next + 1) % len(r.ring)
		if r.next == 0 {
			r.full = true
		}
	}
	return nil
}

// Search walks the ring from the newest entry backwards.
func (r *RecentEvents) Search(_ context.Context, q model.AuditQuery) ([]*model.SecurityEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*model.SecurityEvent
	r.each(func(ev *model.SecurityEvent) bool {
		if q.Matches(ev) {
			out = append(out, ev)
		}
		return q.Limit <= 0 || len(out) < q.Limit
	})
	// Batches from concurrent publishers can land slightly out of order.
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
	return out, nil
}

func (r *RecentEvents) CountByType(_ context.Context, from, to time.Time) (map[model.SecurityEventType]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	q := model.AuditQuery{From: from, To: to}
	counts := make(map[model.SecurityEventType]int64)
	r.each(func(ev *model.SecurityEvent) bool {
		if q.Matches(ev) {
			counts[ev.Type]++
		}
		return true
	})
	return counts, nil
}

func (r *RecentEvents) each(fn func(*model.SecurityEvent) bool) {
	n := r.next
	if r.full {
		n = len(r.ring)
	}
	for i := 1; i <= n; i++ {
		ev := r.ring[(r.next-i+len(r.ring))%len(r.ring)]
		if ev == nil {
			continue
		}
		if !fn(ev) {
			return
		}
	}
}

// DocumentSearcher is satisfied by *client.ESClient.
type DocumentSearcher interface {
	Search(ctx context.Context, index string, query map[string]interface{}) ([]json.RawMessage, error)
}

// ElasticSearcher reads back what ElasticSink indexed.
type ElasticSearcher struct {
	docs  DocumentSearcher
	index string
}

func NewElasticSearcher(docs DocumentSearcher, index string) *ElasticSearcher {
	return &ElasticSearcher{docs: docs, index: index}
}

func (s *ElasticSearcher) Search(ctx context.Context, q model.AuditQuery) ([]*model.SecurityEvent, error) {
	hits, err := s.docs.Search(ctx, s.index, elasticQuery(q))
	if err != nil {
		return nil, err
	}
	out := make([]*model.SecurityEvent, 0, len(hits))
	for _, hit := range hits {
		var ev model.SecurityEvent
		if err := json.Unmarshal(hit, &ev); err != nil {
			return nil, fmt.Errorf("failed to decode security event: %w", err)
		}
		out = append(out, &ev)
	}
	return out, nil
}

// elasticQuery builds a filter-only bool query. Exact matches go to the
// keyword subfields that dynamic mapping creates for strings.
func elasticQuery(q model.AuditQuery) map[string]interface{} {
	timeRange := map[string]interface{}{}
	if !q.From.IsZero() {
		timeRange["gte"] = q.From.UTC().Format(time.RFC3339Nano)
	}
	if !q.To.IsZero() {
		timeRange["lt"] = q.To.UTC().Format(time.RFC3339Nano)
	}

	filter := []interface{}{}
	if len(timeRange) > 0 {
		filter = append(filter, map[string]interface{}{
			"range": map[string]interface{}{"occurred_at": timeRange},
		})
	}
	if q.UserID != "" {
		filter = append(filter, term("user_id.keyword", q.UserID))
	}
	if q.Subject != "" {
		filter = append(filter, term("subject.keyword", q.Subject))
	}
	if len(q.Types) > 0 {
		types := make([]string, len(q.Types))
		for i, t := range q.Types {
			types[i] = string(t)
		}
		filter = append(filter, map[string]interface{}{
			"terms": map[string]interface{}{"event_type.keyword": types},
		})
	}

	query := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{"filter": filter},
		},
		"sort": []interface{}{
			map[string]interface{}{"occurred_at": map[string]interface{}{"order": "desc"}},
		},
	}
	if q.Limit > 0 {
		query["size"] = q.Limit
	}
	return query
}

func term(field, value string) map[string]interface{} {
	return map[string]interface{}{"term": map[string]interface{}{field: value}}
}

// GroupCounter is satisfied by *client.ClickHouseClient.
type GroupCounter interface {
	CountGroups(ctx context.Context, query string, args ...interface{}) (map[string]uint64, error)
}

// ClickHouseCounter aggregates the table ClickHouseSink writes.
type ClickHouseCounter struct {
	conn  GroupCounter
	table string
}

func NewClickHouseCounter(conn GroupCounter, table string) *ClickHouseCounter {
	return &ClickHouseCounter{conn: conn, table: table}
}

func (c *ClickHouseCounter) CountByType(ctx context.Context, from, to time.Time) (map[model.SecurityEventType]int64, error) {
	query := fmt.Sprintf(
		"SELECT event_type, count() FROM %s WHERE event_time >= ? AND event_time < ? GROUP BY event_type",
		c.table)
	rows, err := c.conn.CountGroups(ctx, query, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to count security events: %w", err)
	}
	counts := make(map[model.SecurityEventType]int64, len(rows))
	for eventType, n := range rows {
		counts[model.SecurityEventType(eventType)] = int64(n)
	}
	return counts, nil
}
