package client

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisClientAgainstMiniredis(t *testing.T) {
	mr := miniredis.RunT(t)
	rc, err := NewRedisClientFromOptions(&redis.Options{Addr: mr.Addr()})
	require.NoError(t, err)
	defer rc.Close()

	ctx := context.Background()
	require.NoError(t, rc.HealthCheck(ctx))

	require.NoError(t, mr.Set("otp:a", "1"))
	require.NoError(t, mr.Set("otp:b", "2"))
	require.NoError(t, mr.Set("lo:c", "3"))

	keys, err := rc.ScanPrefix(ctx, "otp:", 100)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"otp:a", "otp:b"}, keys)
}

func TestRedisClientUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisClientFromOptions(&redis.Options{Addr: addr})
	assert.Error(t, err)
}

func TestExtractHostPort(t *testing.T) {
	assert.Equal(t, "ch.local:9000", extractHostPort("ch.local"))
	assert.Equal(t, "ch.local:9440", extractHostPort("https://ch.local"))
	assert.Equal(t, "ch.local:9001", extractHostPort("http://ch.local:9001/"))
	assert.Equal(t, "ch.local", extractHostname("https://ch.local:9440"))
}

type recordingWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func TestKafkaProducerProduceMessage(t *testing.T) {
	w := &recordingWriter{}
	p := NewKafkaProducerWithWriter(w)

	err := p.ProduceMessage(context.Background(), "security-events", []byte("user-1"), []byte(`{}`),
		map[string]string{"event_type": "otp.sent"})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "security-events", w.msgs[0].Topic)
	assert.Equal(t, "event_type", w.msgs[0].Headers[0].Key)

	w.err = errors.New("broker down")
	err = p.ProduceMessage(context.Background(), "t", nil, nil, nil)
	assert.ErrorContains(t, err, "broker down")
}

func TestDecodeHitsReturnsSources(t *testing.T) {
	body := `{"took":3,"hits":{"hits":[
		{"_id":"a","_source":{"event_id":"a","event_type":"otp.sent"}},
		{"_id":"b","_source":{"event_id":"b","event_type":"otp.failed"}}
	]}}`

	hits, err := decodeHits(strings.NewReader(body))
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.JSONEq(t, `{"event_id":"a","event_type":"otp.sent"}`, string(hits[0]))

	hits, err = decodeHits(strings.NewReader(`{"hits":{"hits":[]}}`))
	require.NoError(t, err)
	assert.Empty(t, hits)

	_, err = decodeHits(strings.NewReader(`not json`))
	assert.Error(t, err)
}
