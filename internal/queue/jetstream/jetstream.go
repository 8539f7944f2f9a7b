package jetstream

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mvajha/talon/internal/queue"
	"github.com/nats-io/nats.go"
)

const (
	streamName     = "JOBS"
	orderingHeader = "Talon-Ordering-Key"
)

type JetStreamClient struct {
	connection *nats.Conn
	context    nats.JetStreamContext
	maxDeliver int
}

// NewJetStreamClient connects to NATS and provisions the JOBS stream plus
// one durable pull consumer per dispatch lane. Server-side duplicate
// detection on Nats-Msg-Id gives the fabric its idempotent enqueue, and
// MaxDeliver is the poison-message bound.
func NewJetStreamClient(url string, maxDeliver int) (queue.Queue, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Name("talon"),
	)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{"jobs.>"},
		Duplicates: 2 * time.Minute,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		nc.Close()
		return nil, err
	}

	for _, lane := range queue.DispatchLanes {
		_, err = js.AddConsumer(streamName, &nats.ConsumerConfig{
			Durable:       consumerName(lane),
			FilterSubject: string(lane),
			AckPolicy:     nats.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    maxDeliver,
			// Must stay shorter than MaxDeliver or the server rejects
			// the consumer.
			BackOff: []time.Duration{
				2 * time.Second,
				10 * time.Second,
			},
			DeliverPolicy: nats.DeliverAllPolicy,
		})
		if err != nil && !strings.Contains(err.Error(), "consumer name already in use") {
			nc.Close()
			return nil, err
		}
	}

	return &JetStreamClient{
		connection: nc,
		context:    js,
		maxDeliver: maxDeliver,
	}, nil
}

func consumerName(lane queue.Lane) string {
	return "dispatch-" + strings.TrimPrefix(string(lane), "jobs.")
}

func (c *JetStreamClient) Publish(ctx context.Context, lane queue.Lane, payload []byte, dedupKey, orderingKey string) error {
	msg := nats.NewMsg(string(lane))
	msg.Data = payload
	msg.Header.Set(orderingHeader, orderingKey)

	_, err := c.context.PublishMsg(msg, nats.MsgId(dedupKey), nats.Context(ctx))
	return err
}

func (c *JetStreamClient) Subscribe(lane queue.Lane, consumer string) (queue.Subscription, error) {
	if consumer == "" {
		consumer = consumerName(lane)
	}
	sub, err := c.context.PullSubscribe(string(lane), consumer, nats.BindStream(streamName))
	if err != nil {
		return nil, err
	}
	return &jsSubscription{sub: sub}, nil
}

func (c *JetStreamClient) Shutdown() {
	c.connection.Drain()
	c.connection.Close()
}

type jsSubscription struct {
	sub *nats.Subscription
}

func (s *jsSubscription) Fetch(ctx context.Context, batch int, wait time.Duration) ([]queue.Msg, error) {
	msgs, err := s.sub.Fetch(batch, nats.MaxWait(wait))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) {
			return nil, queue.ErrNoMessages
		}
		return nil, err
	}

	out := make([]queue.Msg, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, &jsMsg{msg: m})
	}
	return out, nil
}

type jsMsg struct {
	msg *nats.Msg
}

func (m *jsMsg) Data() []byte { return m.msg.Data }
func (m *jsMsg) Ack() error   { return m.msg.Ack() }
func (m *jsMsg) Nak() error   { return m.msg.Nak() }
func (m *jsMsg) Term() error  { return m.msg.Term() }

func (m *jsMsg) Attempts() int {
	meta, err := m.msg.Metadata()
	if err != nil {
		return 1
	}
	return int(meta.NumDelivered)
}
