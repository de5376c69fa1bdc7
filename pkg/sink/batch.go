package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sitepulse/sitepulse/pkg/dispatch"
	"github.com/sitepulse/sitepulse/pkg/metrics"
	"github.com/sitepulse/sitepulse/pkg/record"
)

// DefaultPendingBatches is how many batches a Batcher buffers, counting the
// one being sent, before it sheds new records.
const DefaultPendingBatches = 10

// ErrBatcherClosed is returned by Send after Close.
var ErrBatcherClosed = errors.New("sink: batcher closed")

// BatchSender delivers many records in one call.
type BatchSender interface {
	Name() string
	SendBatch(ctx context.Context, recs []record.Record) error
}

// Batcher buffers records and hands them to a BatchSender when the batch is
// full or the flush interval elapses. Send never blocks on the network;
// delivery failures are logged and counted at flush time and the batch is
// dropped. At most maxPending records are held, including a batch whose
// send is in progress; past that Send sheds the record.
type Batcher struct {
	sender        BatchSender
	batchSize     int
	flushInterval time.Duration
	maxPending    int

	batch    []record.Record
	inFlight int
	closed   bool
	mu       sync.Mutex

	flushCh chan struct{}
	closeCh chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewBatcher starts a batcher in front of sender. A maxPending of zero
// holds DefaultPendingBatches batches.
func NewBatcher(sender BatchSender, batchSize int, flushInterval time.Duration, maxPending int) *Batcher {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	if maxPending <= 0 {
		maxPending = batchSize * DefaultPendingBatches
	}
	if maxPending < batchSize {
		maxPending = batchSize
	}
	b := &Batcher{
		sender:        sender,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		maxPending:    maxPending,
		batch:         make([]record.Record, 0, batchSize),
		flushCh:       make(chan struct{}, 1),
		closeCh:       make(chan struct{}),
	}
	b.wg.Add(1)
	go b.flushLoop()
	return b
}

func (b *Batcher) Name() string { return b.sender.Name() }

// Send queues rec. Non-blocking. It returns an error wrapping
// dispatch.ErrDropped when the buffer is full.
func (b *Batcher) Send(_ context.Context, rec record.Record) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBatcherClosed
	}
	if len(b.batch)+b.inFlight >= b.maxPending {
		b.mu.Unlock()
		return fmt.Errorf("sink %s: %d records pending: %w", b.sender.Name(), b.maxPending, dispatch.ErrDropped)
	}
	b.batch = append(b.batch, rec)
	full := len(b.batch) >= b.batchSize
	b.mu.Unlock()

	if full {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

// Flush sends the current batch now.
func (b *Batcher) Flush() {
	b.flush()
}

// Pending returns the number of held records, including a batch being
// sent.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.batch) + b.inFlight
}

// Close flushes remaining records and closes the sender if it holds
// resources. Send fails afterwards.
func (b *Batcher) Close() error {
	b.once.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		close(b.closeCh)
	})
	b.wg.Wait()
	if c, ok := b.sender.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func (b *Batcher) flushLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.closeCh:
			b.flush() // Final flush
			return
		case <-b.flushCh:
			b.flush()
		case <-ticker.C:
			b.flush()
		}
	}
}

func (b *Batcher) flush() {
	b.mu.Lock()
	if len(b.batch) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.batch
	b.batch = make([]record.Record, 0, b.batchSize)
	b.inFlight += len(batch)
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.inFlight -= len(batch)
		b.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.sender.SendBatch(ctx, batch); err != nil {
		metrics.SinkDeliveries.WithLabelValues(b.sender.Name(), "batch_error").Add(float64(len(batch)))
		slog.Warn("sink batch flush failed", "sink", b.sender.Name(), "count", len(batch), "error", err)
	}
}
