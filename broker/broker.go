// Package broker is the log broker client used to tail a run's log topic. A topic
// is split into numbered partitions and every record in a partition carries a
// monotonically increasing offset.
package broker

import (
	"context"
	"fmt"
	"iter"
)

// Time selectors accepted by Client.Offsets.
const (
	OffsetEarliest int64 = -2
	OffsetLatest   int64 = -1
)

// DefaultMaxFetchBytes bounds a single fetch window.
const DefaultMaxFetchBytes = 1024 * 1024

// FetchedMessage is one raw record.
type FetchedMessage struct {
	Offset  int64
	Payload []byte
}

// Client reads and appends records.
type Client interface {
	// Offsets returns up to maxResults offsets for the selector at, which is
	// OffsetEarliest or OffsetLatest. Latest is the offset the next record gets.
	Offsets(ctx context.Context, topic string, partition int, at int64, maxResults int) ([]int64, error)
	// Consume yields records from offset from onward. The sequence never ends on
	// its own: it blocks for new records and stops when ctx ends or after the
	// first error.
	Consume(ctx context.Context, topic string, partition int, from int64, maxFetchBytes int) iter.Seq2[FetchedMessage, error]
	// Publish appends a record and returns its offset.
	Publish(ctx context.Context, topic string, partition int, payload []byte) (int64, error)
	Close() error
}

func subject(topic string, partition int) string {
	return fmt.Sprintf("%s.%d", topic, partition)
}
