// Package nats publishes execution events to NATS JetStream so other
// processes can follow a run. Events land on the subject
// <prefix>.<thread_id>.<kind>.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/logging"
)

// Options configures the publisher.
type Options struct {
	// Stream is the JetStream stream name created on connect.
	Stream string
	// SubjectPrefix is the first subject token. Default "agentloop".
	SubjectPrefix string
	Logger        logging.Logger
}

// Publisher implements the engine event publisher on NATS JetStream.
type Publisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	opts   Options
	logger logging.Logger
}

// Connect establishes a connection to NATS and ensures the JetStream stream exists.
func Connect(ctx context.Context, url string, optFns ...func(o *Options)) (*Publisher, error) {
	opts := Options{
		Stream:        "AGENTLOOP",
		SubjectPrefix: "agentloop",
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	nc, err := nats.Connect(url, nats.Name("agentloop"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     opts.Stream,
		Subjects: []string{opts.SubjectPrefix + ".>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	opts.Logger.Info("eventbus.connected", "url", url, "stream", opts.Stream)
	return &Publisher{nc: nc, js: js, opts: opts, logger: opts.Logger}, nil
}

// Subject returns the subject an event is published on.
func (p *Publisher) Subject(ev core.Event) string {
	return Subject(p.opts.SubjectPrefix, ev)
}

// Subject builds <prefix>.<thread_id>.<kind>, replacing characters that are
// not valid inside a subject token.
func Subject(prefix string, ev core.Event) string {
	return prefix + "." + token(ev.ThreadID) + "." + token(string(ev.Kind))
}

var tokenReplacer = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")

func token(s string) string {
	if s == "" {
		return "_"
	}
	return tokenReplacer.Replace(s)
}

// Publish sends ev as JSON. The event id doubles as the JetStream message id
// so redeliveries are deduplicated by the server.
func (p *Publisher) Publish(ctx context.Context, ev core.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.Kind, err)
	}
	subject := p.Subject(ev)
	if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(ev.ID)); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Handler receives raw event payloads.
type Handler func(ctx context.Context, subject string, data []byte) error

// Subscribe registers a handler for events matching filter, e.g.
// "agentloop.<thread_id>.>". The returned func stops consumption.
func (p *Publisher) Subscribe(ctx context.Context, filter string, handler Handler) (func(), error) {
	consumer, err := p.js.CreateOrUpdateConsumer(ctx, p.opts.Stream, jetstream.ConsumerConfig{
		FilterSubject: filter,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		if err := handler(ctx, msg.Subject(), msg.Data()); err != nil {
			p.logger.Error("eventbus.handler.failed", "subject", msg.Subject(), "error", err.Error())
			if nakErr := msg.Nak(); nakErr != nil {
				p.logger.Error("eventbus.nak.failed", "error", nakErr.Error())
			}
			return
		}
		if ackErr := msg.Ack(); ackErr != nil {
			p.logger.Error("eventbus.ack.failed", "error", ackErr.Error())
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}

	return cons.Stop, nil
}

// Close drains and shuts down the NATS connection.
func (p *Publisher) Close() error {
	return p.nc.Drain()
}
