package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"fulfillment-service/internal/models"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		msg := r.queue[0]
		r.queue = r.queue[1:]
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
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func testProducer(w *fakeWriter, topic string) *Producer {
	return &Producer{writer: w, topic: topic, logger: zap.NewNop()}
}

func TestPublishPaymentEvent_KeyedByCharge(t *testing.T) {
	w := &fakeWriter{}
	ep := NewEventPublisher(testProducer(w, "payment-events"), testProducer(&fakeWriter{}, "fulfillment-events"))

	event := &models.PaymentEvent{Type: models.EventTypeChargeSucceeded, ChargeID: "ch_1", Amount: 4500}
	require.NoError(t, ep.PublishPaymentEvent(context.Background(), event))

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "ch_1", string(msg.Key))
	assert.Equal(t, models.EventTypeChargeSucceeded, Header(msg, HeaderEventType))

	decoded, err := DecodePaymentEvent(msg)
	require.NoError(t, err)
	assert.Equal(t, event.ChargeID, decoded.ChargeID)
	assert.Equal(t, event.Amount, decoded.Amount)
}

func TestPublishOutboxEvent(t *testing.T) {
	w := &fakeWriter{}
	ep := NewEventPublisher(testProducer(&fakeWriter{}, "payment-events"), testProducer(w, "fulfillment-events"))

	err := ep.Publish(context.Background(), models.OutboxEvent{
		ID:          "evt_1",
		AggregateID: "ord_1",
		EventType:   models.EventTypeOrderCreated,
		Payload:     []byte(`{"order_id":"ord_1"}`),
	})
	require.NoError(t, err)

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "ord_1", string(w.msgs[0].Key))
	assert.Equal(t, "evt_1", Header(w.msgs[0], HeaderEventID))
	assert.JSONEq(t, `{"order_id":"ord_1"}`, string(w.msgs[0].Value))

	w.err = errors.New("leader not available")
	assert.Error(t, ep.Publish(context.Background(), models.OutboxEvent{ID: "evt_2"}))
}

func TestForward_TagsDeadLetters(t *testing.T) {
	w := &fakeWriter{}
	dlq := testProducer(w, "payment-events-dlq")

	src := kafka.Message{
		Topic:   "payment-events",
		Offset:  7,
		Key:     []byte("ch_1"),
		Value:   []byte("not json"),
		Headers: []kafka.Header{{Key: HeaderEventType, Value: []byte("charge.succeeded")}},
	}
	require.NoError(t, dlq.Forward(context.Background(), src, "undecodable"))

	require.Len(t, w.msgs, 1)
	out := w.msgs[0]
	assert.Equal(t, src.Value, out.Value)
	assert.Equal(t, "undecodable", Header(out, HeaderDLQReason))
	assert.Equal(t, "payment-events", Header(out, HeaderSourceTopic))
	assert.Equal(t, "charge.succeeded", Header(out, HeaderEventType))
}

func TestDecodePaymentEvent_Undecodable(t *testing.T) {
	_, err := DecodePaymentEvent(kafka.Message{Value: []byte("{")})
	assert.ErrorIs(t, err, ErrUndecodable)
}

func TestEventHandler_RoutesChargeEvents(t *testing.T) {
	var got []string
	eh := NewEventHandler()
	eh.OnPaymentEvent(func(_ context.Context, e *models.PaymentEvent) error {
		got = append(got, e.Type)
		return nil
	})

	for _, typ := range []string{models.EventTypeChargeSucceeded, "charge.refunded", models.EventTypeChargeFailed} {
		body, _ := json.Marshal(models.PaymentEvent{Type: typ, ChargeID: "ch_1"})
		require.NoError(t, eh.HandleMessage(context.Background(), kafka.Message{Value: body}))
	}
	assert.Equal(t, []string{models.EventTypeChargeSucceeded, models.EventTypeChargeFailed}, got)
}

func TestStartConsuming_RetriesInPlace(t *testing.T) {
	reader := &fakeReader{queue: []kafka.Message{{Offset: 1}, {Offset: 2}}}
	c := &Consumer{
		reader: reader,
		topic:  "payment-events",
		retry:  RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond},
		logger: zap.NewNop(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu       sync.Mutex
		attempts = map[int64]int{}
		order    []int64
	)
	handler := func(_ context.Context, msg kafka.Message) error {
		mu.Lock()
		defer mu.Unlock()
		attempts[msg.Offset]++
		order = append(order, msg.Offset)
		if msg.Offset == 1 && attempts[1] < 3 {
			return errors.New("database unavailable")
		}
		if msg.Offset == 2 {
			cancel()
		}
		return nil
	}

	err := c.StartConsuming(ctx, handler)
	assert.ErrorIs(t, err, context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{1, 1, 1, 2}, order)
	assert.Contains(t, reader.commits(), int64(1))
}

type fakeChannel struct {
	published []amqp.Publishing
	keys      []string
}

func (c *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	c.keys = append(c.keys, key)
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeChannel) Close() error { return nil }

func TestRabbitMQPublisher_RoutesByEventType(t *testing.T) {
	ch := &fakeChannel{}
	p := &RabbitMQPublisher{channel: ch, exchange: "fulfillment", logger: zap.NewNop()}

	err := p.Publish(context.Background(), models.OutboxEvent{
		ID:          "evt_1",
		AggregateID: "ord_1",
		EventType:   models.EventTypeShipmentBooked,
		Payload:     []byte(`{}`),
	})
	require.NoError(t, err)

	require.Len(t, ch.published, 1)
	assert.Equal(t, models.EventTypeShipmentBooked, ch.keys[0])
	assert.Equal(t, "evt_1", ch.published[0].MessageId)
	assert.Equal(t, amqp.Persistent, ch.published[0].DeliveryMode)
	assert.NoError(t, p.Close())
}
