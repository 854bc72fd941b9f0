package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/resale/internal/models"
	"github.com/xtrntr/resale/internal/store"
)

type recorder struct {
	mu     sync.Mutex
	events []models.Event
	fail   error
}

func (r *recorder) Publish(ctx context.Context, events []models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.events = append(r.events, events...)
	return nil
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.ID
	}
	return out
}

func seedOutbox(t *testing.T, n int) *store.Memory {
	t.Helper()
	st := store.NewMemory()
	for i := 0; i < n; i++ {
		_, err := st.InsertBid(context.Background(), models.Bid{
			ID: string(rune('a' + i)), Side: models.SideBuy, VariantID: "V1", BidderID: "alice",
			Price: decimal.NewFromInt(int64(100 + i)), CreatedAt: time.Now(),
		})
		require.NoError(t, err)
	}
	return st
}

func TestRelay_FlushPublishesInOrderOnce(t *testing.T) {
	st := seedOutbox(t, 5)
	pending, err := st.PendingEvents(context.Background(), 0)
	require.NoError(t, err)
	var want []string
	for _, e := range pending {
		want = append(want, e.ID)
	}

	rec := &recorder{}
	relay := NewRelay(st, rec, nil, time.Second)
	relay.batch = 2

	n, err := relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, want, rec.ids())

	n, err = relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "dispatched events are not republished")
}

func TestRelay_PublishFailureKeepsEvents(t *testing.T) {
	st := seedOutbox(t, 3)
	rec := &recorder{fail: errors.New("broker down")}
	relay := NewRelay(st, rec, nil, time.Second)

	_, err := relay.Flush(context.Background())
	assert.Error(t, err)
	pending, err := st.PendingEvents(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	rec.fail = nil
	n, err := relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRelay_RunDrainsOnShutdown(t *testing.T) {
	st := seedOutbox(t, 2)
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewRelay(st, rec, nil, time.Hour).Run(ctx)
		close(done)
	}()
	cancel()
	<-done
	assert.Len(t, rec.ids(), 2)
}

func TestMulti_JoinsErrors(t *testing.T) {
	ok, bad := &recorder{}, &recorder{fail: errors.New("nope")}
	err := Multi{bad, ok}.Publish(context.Background(), []models.Event{{ID: "e1"}})
	assert.Error(t, err)
	assert.Equal(t, []string{"e1"}, ok.ids(), "later publishers still run")
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaPublisher_Envelope(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{w: w, producer: "resale-api"}
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := models.Event{ID: "e1", Type: "order.preparing", AggregateKind: models.KindOrder, AggregateID: "o1",
		From: "PAYMENT_COMPLETED", To: "PREPARING", OccurredAt: at, Payload: []byte(`{"id":"o1"}`)}

	require.NoError(t, p.Publish(context.Background(), []models.Event{ev}))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "o1", string(w.msgs[0].Key))

	var env Envelope
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &env))
	assert.Equal(t, "e1", env.EventID)
	assert.Equal(t, "order.preparing", env.EventType)
	assert.Equal(t, EnvelopeVersion, env.EventVersion)
	assert.Equal(t, "resale-api", env.Producer)
	assert.JSONEq(t, `{"id":"o1"}`, string(env.Payload))

	w.err = errors.New("leader not available")
	assert.Error(t, p.Publish(context.Background(), []models.Event{ev}))
}

func TestHub_Broadcast(t *testing.T) {
	hub := NewHub(nil, "resale-api")
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Publish(context.Background(), []models.Event{{ID: "e1", Type: "bid.pending", AggregateID: "b1"}}))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "bid.pending", env.EventType)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, time.Second, 10*time.Millisecond)
}
