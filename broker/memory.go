package broker

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/c360/weave/errors"
)

type partitionKey struct {
	topic     string
	partition int
}

type consumeFault struct {
	after int
	err   error
}

// Memory is an in-process Client. Faults queued with FailOffsets and
// FailConsume are consumed one per call, in order.
type Memory struct {
	mu         sync.Mutex
	topics     map[string]bool
	partitions map[partitionKey][]FetchedMessage
	changed    chan struct{}

	offsetFaults  []error
	consumeFaults []consumeFault
	offsetCalls   int
	consumeCalls  int
	closed        bool
}

// NewMemory returns an empty broker.
func NewMemory() *Memory {
	return &Memory{
		topics:     make(map[string]bool),
		partitions: make(map[partitionKey][]FetchedMessage),
		changed:    make(chan struct{}),
	}
}

// EnsureTopic creates topic.
func (m *Memory) EnsureTopic(_ context.Context, topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics[topic] = true
	return nil
}

// Append stores a record at an explicit offset, which must be above the last one.
func (m *Memory) Append(topic string, partition int, offset int64, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := partitionKey{topic, partition}
	records := m.partitions[key]
	if n := len(records); n > 0 && records[n-1].Offset >= offset {
		return fmt.Errorf("%w: %d is not above %d", errors.ErrOffsetOutOfRange, offset, records[n-1].Offset)
	}
	m.topics[topic] = true
	m.partitions[key] = append(records, FetchedMessage{Offset: offset, Payload: append([]byte(nil), payload...)})
	m.broadcast()
	return nil
}

func (m *Memory) broadcast() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// FailOffsets makes the next len(errs) Offsets calls fail with errs.
func (m *Memory) FailOffsets(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offsetFaults = append(m.offsetFaults, errs...)
}

// FailConsume makes the next Consume call yield err after delivering n records.
func (m *Memory) FailConsume(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumeFaults = append(m.consumeFaults, consumeFault{after: n, err: err})
}

// OffsetCalls returns how often Offsets was called.
func (m *Memory) OffsetCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offsetCalls
}

// ConsumeCalls returns how often a Consume sequence was started.
func (m *Memory) ConsumeCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consumeCalls
}

// Closed reports whether Close was called.
func (m *Memory) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Memory) nextOffset(records []FetchedMessage) int64 {
	if n := len(records); n > 0 {
		return records[n-1].Offset + 1
	}
	return 0
}

// Offsets implements Client.
func (m *Memory) Offsets(_ context.Context, topic string, partition int, at int64, maxResults int) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offsetCalls++

	if m.closed {
		return nil, errors.Wrap(errors.ErrShuttingDown, "broker", "Offsets", "use client")
	}
	if len(m.offsetFaults) > 0 {
		err := m.offsetFaults[0]
		m.offsetFaults = m.offsetFaults[1:]
		return nil, errors.WrapTransient(err, "broker", "Offsets", "read partition bounds")
	}
	if at != OffsetEarliest && at != OffsetLatest {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %d", errors.ErrUnsupportedTimeSelect, at), "broker", "Offsets", "select offset")
	}
	if !m.topics[topic] {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %s", errors.ErrTopicNotFound, topic), "broker", "Offsets", "look up topic")
	}
	if maxResults < 1 {
		return []int64{}, nil
	}

	records := m.partitions[partitionKey{topic, partition}]
	if at == OffsetEarliest && len(records) > 0 {
		return []int64{records[0].Offset}, nil
	}
	return []int64{m.nextOffset(records)}, nil
}

// Consume implements Client.
func (m *Memory) Consume(ctx context.Context, topic string, partition int, from int64, _ int) iter.Seq2[FetchedMessage, error] {
	return func(yield func(FetchedMessage, error) bool) {
		m.mu.Lock()
		m.consumeCalls++
		var fault *consumeFault
		if len(m.consumeFaults) > 0 {
			f := m.consumeFaults[0]
			fault = &f
			m.consumeFaults = m.consumeFaults[1:]
		}
		closed, known := m.closed, m.topics[topic]
		m.mu.Unlock()

		switch {
		case closed:
			yield(FetchedMessage{}, errors.Wrap(errors.ErrShuttingDown, "broker", "Consume", "use client"))
			return
		case !known:
			yield(FetchedMessage{}, errors.WrapTransient(fmt.Errorf("%w: %s", errors.ErrTopicNotFound, topic), "broker", "Consume", "look up topic"))
			return
		}

		next, delivered := from, 0
		for {
			if fault != nil && delivered >= fault.after {
				yield(FetchedMessage{}, errors.WrapTransient(fault.err, "broker", "Consume", "fetch"))
				return
			}

			m.mu.Lock()
			var batch []FetchedMessage
			for _, r := range m.partitions[partitionKey{topic, partition}] {
				if r.Offset >= next {
					batch = append(batch, r)
				}
			}
			wait := m.changed
			m.mu.Unlock()

			if len(batch) == 0 {
				select {
				case <-wait:
					continue
				case <-ctx.Done():
					return
				}
			}

			for _, r := range batch {
				if fault != nil && delivered >= fault.after {
					break
				}
				if ctx.Err() != nil {
					return
				}
				if !yield(r, nil) {
					return
				}
				next = r.Offset + 1
				delivered++
			}
		}
	}
}

// Publish implements Client.
func (m *Memory) Publish(_ context.Context, topic string, partition int, payload []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errors.Wrap(errors.ErrShuttingDown, "broker", "Publish", "use client")
	}

	key := partitionKey{topic, partition}
	offset := m.nextOffset(m.partitions[key])
	m.topics[topic] = true
	m.partitions[key] = append(m.partitions[key], FetchedMessage{Offset: offset, Payload: append([]byte(nil), payload...)})
	m.broadcast()
	return offset, nil
}

// Close implements Client. Consumers blocked waiting for records end when
// their context does.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
