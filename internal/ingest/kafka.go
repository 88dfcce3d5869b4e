package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	pdotel "github.com/basket/policyd/internal/otel"
	"github.com/basket/policyd/internal/policy"
	"github.com/basket/policyd/internal/reducer"
)

// MessageReader is the subset of *kafka.Reader the source uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// NewKafkaReader builds a consumer-group reader with explicit commits.
func NewKafkaReader(cfg KafkaConfig) (*kafka.Reader, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka source needs brokers and a topic")
	}
	groupID := cfg.GroupID
	if groupID == "" {
		groupID = "policyd"
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  groupID,
		MaxWait:  500 * time.Millisecond,
		MinBytes: 1,
		MaxBytes: 10e6,
	}), nil
}

// KafkaSource consumes outcome events from a topic. Offsets are committed
// only once every earlier message on the partition has been applied,
// rejected, or found to be a duplicate, so a crash redelivers rather than
// loses events. A message whose apply failed holds its partition until the
// group redelivers it; those head-of-line stalls are logged and counted.
type KafkaSource struct {
	reader  MessageReader
	decoder *Decoder
	sink    Sink
	logger  *slog.Logger
	metrics *pdotel.Metrics

	mu         sync.Mutex
	partitions map[int]*partitionTracker
	commitErr  error
	stalls     int64

	// commitMu orders commits; committed is the last offset sent per partition.
	commitMu  sync.Mutex
	committed map[int]int64
}

type partitionTracker struct {
	pending []int64
	done    map[int64]kafka.Message
	failed  map[int64]error
	// stalledAt is the head offset last reported as stalled, or -1.
	stalledAt int64
}

func NewKafkaSource(reader MessageReader, decoder *Decoder, sink Sink, logger *slog.Logger) *KafkaSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaSource{
		reader:     reader,
		decoder:    decoder,
		sink:       sink,
		logger:     logger,
		partitions: make(map[int]*partitionTracker),
		committed:  make(map[int]int64),
	}
}

// SetMetrics reports stalls through m. Call before Run.
func (k *KafkaSource) SetMetrics(m *pdotel.Metrics) {
	k.metrics = m
}

// Run fetches until ctx ends or the reader fails. A cancelled ctx is a clean
// stop and returns nil.
func (k *KafkaSource) Run(ctx context.Context) error {
	for {
		msg, err := k.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}
		k.track(msg)

		spanCtx, span := pdotel.StartConsumerSpan(ctx, pdotel.GlobalTracer(), "ingest.kafka")
		ev, err := k.decoder.Decode(msg.Value)
		if err != nil {
			rejectPayload(spanCtx, k.logger, fmt.Sprintf("%s/%d@%d", msg.Topic, msg.Partition, msg.Offset), msg.Value, err)
			span.End()
			k.complete(ctx, msg)
			continue
		}
		span.SetAttributes(
			pdotel.AttrPolicyID.String(ev.PolicyID),
			pdotel.AttrPolicyKind.String(string(ev.Kind)),
			pdotel.AttrIdempotencyKey.String(ev.IdempotencyKey),
		)
		err = k.sink.Submit(spanCtx, ev, func(_ policy.OutcomeEvent, _ reducer.Result, err error) {
			if err != nil && !errors.Is(err, policy.ErrInvalidEvent) {
				// Left uncommitted; the group redelivers it.
				k.fail(ctx, msg, err)
				return
			}
			k.complete(ctx, msg)
		})
		span.End()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("submit %s/%d@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
		}
	}
}

// CommitErr returns the last commit failure, if any.
func (k *KafkaSource) CommitErr() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.commitErr
}

// Stalls counts partitions found blocked behind a failed message.
func (k *KafkaSource) Stalls() int64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.stalls
}

func (k *KafkaSource) Close() error {
	return k.reader.Close()
}

func (k *KafkaSource) track(msg kafka.Message) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.partitions[msg.Partition]
	if !ok {
		p = &partitionTracker{done: make(map[int64]kafka.Message), failed: make(map[int64]error), stalledAt: -1}
		k.partitions[msg.Partition] = p
	}
	p.pending = append(p.pending, msg.Offset)
}

// fail records a message that will not be committed in this process. Once it
// reaches the head of its partition nothing behind it can commit either.
func (k *KafkaSource) fail(ctx context.Context, msg kafka.Message, cause error) {
	k.mu.Lock()
	p := k.partitions[msg.Partition]
	if p == nil {
		k.mu.Unlock()
		return
	}
	p.failed[msg.Offset] = cause
	stall, stalled := p.headStall()
	k.mu.Unlock()
	if stalled {
		k.reportStall(ctx, msg.Partition, stall)
	}
}

// complete marks msg finished and commits the highest offset below which
// every fetched message on its partition is finished.
func (k *KafkaSource) complete(ctx context.Context, msg kafka.Message) {
	k.mu.Lock()
	p := k.partitions[msg.Partition]
	if p == nil {
		k.mu.Unlock()
		return
	}
	p.done[msg.Offset] = msg

	var last *kafka.Message
	for len(p.pending) > 0 {
		m, ok := p.done[p.pending[0]]
		if !ok {
			break
		}
		delete(p.done, p.pending[0])
		p.pending = p.pending[1:]
		last = &m
	}
	stall, stalled := p.headStall()
	k.mu.Unlock()

	if last != nil {
		k.commit(ctx, *last)
	}
	if stalled {
		k.reportStall(ctx, msg.Partition, stall)
	}
}

type stallInfo struct {
	offset  int64
	blocked int
	cause   error
}

// headStall reports a failed head not yet reported. Caller holds k.mu.
func (p *partitionTracker) headStall() (stallInfo, bool) {
	if len(p.pending) == 0 {
		return stallInfo{}, false
	}
	head := p.pending[0]
	cause, failed := p.failed[head]
	if !failed || p.stalledAt == head {
		return stallInfo{}, false
	}
	p.stalledAt = head
	return stallInfo{offset: head, blocked: len(p.pending) - 1, cause: cause}, true
}

func (k *KafkaSource) reportStall(ctx context.Context, partition int, st stallInfo) {
	k.mu.Lock()
	k.stalls++
	k.mu.Unlock()
	k.logger.Warn("kafka partition stalled behind failed event",
		"partition", partition, "offset", st.offset, "blocked", st.blocked, "error", st.cause)
	if k.metrics != nil {
		k.metrics.IngestStalls.Add(ctx, 1)
	}
}

// commit sends msg's offset unless a later one on the partition already went
// out; completions racing on other goroutines never move the group backwards.
func (k *KafkaSource) commit(ctx context.Context, msg kafka.Message) {
	k.commitMu.Lock()
	defer k.commitMu.Unlock()
	if prev, ok := k.committed[msg.Partition]; ok && prev >= msg.Offset {
		return
	}
	err := k.reader.CommitMessages(context.WithoutCancel(ctx), msg)
	if err == nil {
		k.committed[msg.Partition] = msg.Offset
		return
	}
	k.mu.Lock()
	k.commitErr = err
	k.mu.Unlock()
	k.logger.Warn("kafka commit failed",
		"partition", msg.Partition, "offset", msg.Offset, "error", err)
}
