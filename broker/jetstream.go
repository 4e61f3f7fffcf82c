package broker

import (
	"context"
	stderrors "errors"
	"fmt"
	"iter"
	"log/slog"
	"sync/atomic"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/weave/errors"
	"github.com/c360/weave/natsclient"
)

// JetStreamClient keeps each topic in its own stream named after the topic.
// Partition p is subject "<topic>.<p>" and offsets are stream sequences.
type JetStreamClient struct {
	nc     *natsclient.Client
	logger *slog.Logger
	closed atomic.Bool
}

// NewJetStreamClient returns a client over an established connection. The
// connection stays owned by the caller.
func NewJetStreamClient(nc *natsclient.Client, logger *slog.Logger) *JetStreamClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &JetStreamClient{nc: nc, logger: logger.With("component", "broker")}
}

func (c *JetStreamClient) check(method string) error {
	if c.closed.Load() {
		return errors.Wrap(errors.ErrShuttingDown, "broker", method, "use client")
	}
	return nil
}

// EnsureTopic creates the stream backing topic if it does not exist yet.
func (c *JetStreamClient) EnsureTopic(ctx context.Context, topic string) error {
	if err := c.check("EnsureTopic"); err != nil {
		return err
	}
	_, err := c.nc.EnsureStream(ctx, jetstream.StreamConfig{
		Name:     topic,
		Subjects: []string{topic + ".>"},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return errors.WrapTransient(err, "broker", "EnsureTopic", "create stream "+topic)
	}
	c.logger.Debug("Topic ready", "topic", topic)
	return nil
}

func (c *JetStreamClient) stream(ctx context.Context, topic, method string) (jetstream.Stream, error) {
	stream, err := c.nc.GetStream(ctx, topic)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrStreamNotFound) {
			return nil, errors.WrapTransient(fmt.Errorf("%w: %s", errors.ErrTopicNotFound, topic), "broker", method, "look up topic")
		}
		return nil, errors.WrapTransient(err, "broker", method, "look up topic")
	}
	return stream, nil
}

// Offsets implements Client.
func (c *JetStreamClient) Offsets(ctx context.Context, topic string, partition int, at int64, maxResults int) ([]int64, error) {
	if err := c.check("Offsets"); err != nil {
		return nil, err
	}
	if at != OffsetEarliest && at != OffsetLatest {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %d", errors.ErrUnsupportedTimeSelect, at), "broker", "Offsets", "select offset")
	}
	if maxResults < 1 {
		return []int64{}, nil
	}

	stream, err := c.stream(ctx, topic, "Offsets")
	if err != nil {
		return nil, err
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "broker", "Offsets", "read stream state")
	}
	next := int64(info.State.LastSeq) + 1
	subj := subject(topic, partition)

	var msg *jetstream.RawStreamMsg
	if at == OffsetEarliest {
		start := info.State.FirstSeq
		if start == 0 {
			start = 1
		}
		msg, err = stream.GetMsg(ctx, start, jetstream.WithGetMsgSubject(subj))
	} else {
		msg, err = stream.GetLastMsgForSubject(ctx, subj)
	}

	switch {
	case err == nil && at == OffsetEarliest:
		return []int64{int64(msg.Sequence)}, nil
	case err == nil:
		return []int64{int64(msg.Sequence) + 1}, nil
	case stderrors.Is(err, jetstream.ErrMsgNotFound):
		// Empty partition: both selectors point at the next record.
		return []int64{next}, nil
	}
	return nil, errors.WrapTransient(err, "broker", "Offsets", "read partition bounds")
}

// Consume implements Client with an ordered consumer starting at from.
func (c *JetStreamClient) Consume(ctx context.Context, topic string, partition int, from int64, maxFetchBytes int) iter.Seq2[FetchedMessage, error] {
	return func(yield func(FetchedMessage, error) bool) {
		if err := c.check("Consume"); err != nil {
			yield(FetchedMessage{}, err)
			return
		}
		stream, err := c.stream(ctx, topic, "Consume")
		if err != nil {
			yield(FetchedMessage{}, err)
			return
		}
		if from < 1 {
			from = 1
		}
		if maxFetchBytes <= 0 {
			maxFetchBytes = DefaultMaxFetchBytes
		}

		cons, err := stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
			FilterSubjects: []string{subject(topic, partition)},
			DeliverPolicy:  jetstream.DeliverByStartSequencePolicy,
			OptStartSeq:    uint64(from),
		})
		if err != nil {
			yield(FetchedMessage{}, errors.WrapTransient(err, "broker", "Consume", "create consumer"))
			return
		}

		msgs, err := cons.Messages(jetstream.PullMaxBytes(maxFetchBytes))
		if err != nil {
			yield(FetchedMessage{}, errors.WrapTransient(err, "broker", "Consume", "open message iterator"))
			return
		}
		defer msgs.Stop()
		stop := context.AfterFunc(ctx, msgs.Stop)
		defer stop()

		for {
			msg, err := msgs.Next()
			if err != nil {
				if ctx.Err() != nil || stderrors.Is(err, jetstream.ErrMsgIteratorClosed) {
					return
				}
				yield(FetchedMessage{}, errors.WrapTransient(err, "broker", "Consume", "fetch"))
				return
			}
			meta, err := msg.Metadata()
			if err != nil {
				yield(FetchedMessage{}, errors.WrapTransient(err, "broker", "Consume", "read metadata"))
				return
			}
			if !yield(FetchedMessage{Offset: int64(meta.Sequence.Stream), Payload: msg.Data()}, nil) {
				return
			}
		}
	}
}

// Publish implements Client.
func (c *JetStreamClient) Publish(ctx context.Context, topic string, partition int, payload []byte) (int64, error) {
	if err := c.check("Publish"); err != nil {
		return 0, err
	}
	js, err := c.nc.JetStream()
	if err != nil {
		return 0, err
	}
	ack, err := js.Publish(ctx, subject(topic, partition), payload)
	if err != nil {
		return 0, errors.WrapTransient(err, "broker", "Publish", "publish record")
	}
	return int64(ack.Sequence), nil
}

// Close marks the client closed. The NATS connection is left open.
func (c *JetStreamClient) Close() error {
	c.closed.Store(true)
	return nil
}
