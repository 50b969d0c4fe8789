package bus

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
)

type Config struct {
	URL    string
	Stream string
}

// Conn is a thin wrapper around a NATS connection with JetStream enabled.
// Publish acks mean the broker has durably stored the message.
type Conn struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	stream string
}

// Connect dials NATS, enables JetStream, and ensures the journal stream exists.
func Connect(c Config) (*Conn, error) {
	nc, err := nats.Connect(c.URL,
		nats.Name("inkwell-events"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	if _, err := js.StreamInfo(c.Stream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			nc.Close()
			return nil, err
		}
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      c.Stream,
			Subjects:  []string{"journal.>"},
			Retention: nats.LimitsPolicy,
			Storage:   nats.FileStorage,
		})
		if err != nil {
			nc.Close()
			return nil, err
		}
	}

	return &Conn{nc: nc, js: js, stream: c.Stream}, nil
}

// Publish sends payload to subject and waits for the JetStream ack. The ctx
// deadline bounds the wait; an unresponsive broker surfaces as an error, not a
// hang.
func (c *Conn) Publish(ctx context.Context, subject string, payload []byte) error {
	_, err := c.js.Publish(subject, payload, nats.Context(ctx))
	return err
}

func (c *Conn) Close() {
	c.nc.Close()
}

// IsPermanent reports whether a publish error can never succeed on retry
// (broker-side validation rather than availability).
func IsPermanent(err error) bool {
	return errors.Is(err, nats.ErrMaxPayload) ||
		errors.Is(err, nats.ErrBadSubject)
}

// Msg is one delivered message. Ack stops redelivery, NakWithDelay requests
// redelivery after the given delay, Term stops redelivery permanently.
type Msg interface {
	Data() []byte
	Subject() string
	Ack() error
	NakWithDelay(d time.Duration) error
	Term() error
	// Deliveries is the broker's delivery count for this message (1 = first).
	Deliveries() uint64
}

// Consumer is a durable JetStream pull consumer.
type Consumer struct {
	sub  *nats.Subscription
	wait time.Duration
}

type ConsumerOpts struct {
	Subject    string // e.g. "journal.>"
	Durable    string
	MaxDeliver int
	FetchWait  time.Duration
}

// PullConsumer binds a durable pull consumer to the journal stream.
func (c *Conn) PullConsumer(opts ConsumerOpts) (*Consumer, error) {
	wait := opts.FetchWait
	if wait <= 0 {
		wait = 2 * time.Second
	}

	subOpts := []nats.SubOpt{
		nats.BindStream(c.stream),
		nats.AckExplicit(),
	}
	if opts.MaxDeliver > 0 {
		subOpts = append(subOpts, nats.MaxDeliver(opts.MaxDeliver))
	}

	sub, err := c.js.PullSubscribe(opts.Subject, opts.Durable, subOpts...)
	if err != nil {
		return nil, err
	}

	return &Consumer{sub: sub, wait: wait}, nil
}

// Fetch returns up to batch messages. A fetch that times out with nothing to
// deliver returns an empty slice, not an error.
func (c *Consumer) Fetch(ctx context.Context, batch int) ([]Msg, error) {
	msgs, err := c.sub.Fetch(batch, nats.MaxWait(c.wait))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, err
	}

	out := make([]Msg, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, &jsMsg{m: m})
	}
	return out, nil
}

func (c *Consumer) Close() error {
	return c.sub.Unsubscribe()
}

type jsMsg struct {
	m *nats.Msg
}

func (j *jsMsg) Data() []byte    { return j.m.Data }
func (j *jsMsg) Subject() string { return j.m.Subject }
func (j *jsMsg) Ack() error      { return j.m.Ack() }
func (j *jsMsg) Term() error     { return j.m.Term() }

func (j *jsMsg) NakWithDelay(d time.Duration) error {
	return j.m.NakWithDelay(d)
}

func (j *jsMsg) Deliveries() uint64 {
	md, err := j.m.Metadata()
	if err != nil {
		return 1
	}
	return md.NumDelivered
}
