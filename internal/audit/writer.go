package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"spreadguard/internal/logger"
)

const defaultBuffer = 256

// Writer is a fire-and-forget Recorder: Record enqueues and returns, a single
// goroutine drains the queue into the sink. When the queue is full the record
// is dropped with a warning.
type Writer struct {
	sink    Sink
	ch      chan Record
	stopCh  chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	closed  atomic.Bool
	dropped atomic.Int64
	timeout time.Duration
	now     func() time.Time
}

func NewWriter(sink Sink, buffer int) *Writer {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	w := &Writer{
		sink:    sink,
		ch:      make(chan Record, buffer),
		stopCh:  make(chan struct{}),
		timeout: 5 * time.Second,
		now:     time.Now,
	}
	w.wg.Add(1)
	go w.runLoop()
	return w
}

func (w *Writer) Record(kind Kind, tradeID, signalID string, payload any) {
	if w == nil || w.closed.Load() {
		return
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		logger.Warnf("audit: marshal %s payload failed: %v", kind, err)
		return
	}
	rec := Record{
		ID:        uuid.NewString(),
		Kind:      kind,
		TradeID:   tradeID,
		SignalID:  signalID,
		Payload:   raw,
		CreatedAt: w.now(),
	}
	select {
	case w.ch <- rec:
	case <-w.stopCh:
	default:
		n := w.dropped.Add(1)
		logger.Warnf("audit: buffer full, dropped %s record for trade=%s (dropped=%d)", kind, tradeID, n)
	}
}

// Dropped returns how many records were discarded because the buffer was full.
func (w *Writer) Dropped() int64 { return w.dropped.Load() }

// Close stops accepting records and flushes what is queued.
func (w *Writer) Close() error {
	w.once.Do(func() {
		w.closed.Store(true)
		close(w.stopCh)
	})
	w.wg.Wait()
	return nil
}

func (w *Writer) runLoop() {
	defer w.wg.Done()
	for {
		select {
		case rec := <-w.ch:
			w.write(rec)
		case <-w.stopCh:
			for {
				select {
				case rec := <-w.ch:
					w.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) write(rec Record) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("audit: sink panic on %s: %v\n%s", rec.Kind, r, debug.Stack())
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if err := w.sink.Append(ctx, rec); err != nil {
		logger.Warnf("audit: append %s trade=%s failed: %v", rec.Kind, rec.TradeID, err)
	}
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, fmt.Errorf("payload is not valid json")
		}
		return json.RawMessage(v), nil
	default:
		return json.Marshal(v)
	}
}
