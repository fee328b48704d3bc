package events

import (
	"context"
	"encoding/json"
	"fmt"

	"auth-core/internal/bucketing"
	"auth-core/internal/model"
	"auth-core/internal/models"
)

// MessageProducer is satisfied by *client.KafkaProducer.
type MessageProducer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// KafkaSink publishes each event as one JSON message keyed by user, so a
// user's events stay ordered within a partition.
type KafkaSink struct {
	producer MessageProducer
	topic    string
}

func NewKafkaSink(producer MessageProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, batch []*model.SecurityEvent) error {
	for _, ev := range batch {
		value, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to marshal security event: %w", err)
		}
		key := ev.UserID
		if key == "" {
			key = ev.Subject
		}
		headers := map[string]string{"event_type": string(ev.Type)}
		if err := s.producer.ProduceMessage(ctx, s.topic, []byte(key), value, headers); err != nil {
			return err
		}
	}
	return nil
}

// DocumentIndexer is satisfied by *client.ESClient.
type DocumentIndexer interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

type ElasticSink struct {
	indexer DocumentIndexer
	index   string
}

func NewElasticSink(indexer DocumentIndexer, index string) *ElasticSink {
	return &ElasticSink{indexer: indexer, index: index}
}

func (s *ElasticSink) Name() string { return "elasticsearch" }

func (s *ElasticSink) Write(ctx context.Context, batch []*model.SecurityEvent) error {
	for _, ev := range batch {
		if err := s.indexer.IndexDocument(ctx, s.index, ev.ID, ev); err != nil {
			return err
		}
	}
	return nil
}

// BatchInserter is satisfied by *client.ClickHouseClient.
type BatchInserter interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	BatchInsert(ctx context.Context, query string, rows [][]interface{}) error
}

type ClickHouseSink struct {
	conn    BatchInserter
	table   string
	buckets *bucketing.Manager
}

func NewClickHouseSink(conn BatchInserter, table string, buckets *bucketing.Manager) *ClickHouseSink {
	return &ClickHouseSink{conn: conn, table: table, buckets: buckets}
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

// EnsureTable creates the analytics table when missing.
func (s *ClickHouseSink) EnsureTable(ctx context.Context) error {
	ddl := `CREATE TABLE IF NOT EXISTS ` + s.table + ` (
		event_bucket Int32,
		event_date String,
		event_time DateTime64(3, 'UTC'),
		event_id String,
		event_type LowCardinality(String),
		user_id String,
		subject String,
		session_id String,
		device_fingerprint String,
		ip_address String,
		outcome LowCardinality(String),
		risk_score Int32,
		details String
	) ENGINE = MergeTree
	PARTITION BY event_date
	ORDER BY (event_bucket, event_type, event_time)`
	if err := s.conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create security events table: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Write(ctx context.Context, batch []*model.SecurityEvent) error {
	rows := make([][]interface{}, 0, len(batch))
	for _, ev := range batch {
		rows = append(rows, models.NewSecurityEvent(ev, s.buckets).Values())
	}
	query := fmt.Sprintf("INSERT INTO %s (%s)", s.table, models.SecurityEventColumns)
	return s.conn.BatchInsert(ctx, query, rows)
}
