package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []kafka.Message
	closed    int
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		msg := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error {
	r.closed++
	return nil
}

func (r *fakeReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

func eventMessage(t *testing.T, eventType string) kafka.Message {
	t.Helper()
	event, err := NewEvent(eventType, "proj-1", "retry_queue", "ops", map[string]string{"project": "proj-1"})
	require.NoError(t, err)
	raw, err := event.Marshal()
	require.NoError(t, err)
	return kafka.Message{Topic: "selfscan.retry_queue.flush_requested", Value: raw}
}

func newTestConsumer(r messageReader, h Handler) *Consumer {
	return &Consumer{
		reader:  r,
		topic:   "selfscan.retry_queue.flush_requested",
		group:   "test",
		logger:  newTestLogger(),
		handler: h,
		backoff: time.Millisecond,
	}
}

func TestConsumer_HandlesAndCommits(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{eventMessage(t, "a"), eventMessage(t, "b")}}

	var mu sync.Mutex
	var seen []string
	c := newTestConsumer(reader, func(_ context.Context, e *Event) error {
		mu.Lock()
		seen = append(seen, e.EventType)
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	require.Eventually(t, func() bool { return reader.commits() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	assert.Equal(t, []string{"a", "b"}, seen)
	mu.Unlock()
	assert.Equal(t, 1, reader.closed)
}

func TestConsumer_RetriesThenSkips(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{eventMessage(t, "a")}}

	var attempts int
	c := newTestConsumer(reader, func(context.Context, *Event) error {
		attempts++
		return errors.New("store unavailable")
	})

	c.process(context.Background(), reader.msgs[0])
	assert.Equal(t, maxHandlerRetries, attempts)
}

func TestConsumer_SkipsUndecodable(t *testing.T) {
	called := false
	c := newTestConsumer(&fakeReader{}, func(context.Context, *Event) error {
		called = true
		return nil
	})

	c.process(context.Background(), kafka.Message{Value: []byte("not json")})
	assert.False(t, called)
}

func TestConsumer_CloseIsIdempotent(t *testing.T) {
	reader := &fakeReader{}
	c := newTestConsumer(reader, nil)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 1, reader.closed)
}
