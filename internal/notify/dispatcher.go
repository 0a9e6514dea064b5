package notify

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"spreadguard/internal/lifecycle"
	"spreadguard/internal/logger"
)

const (
	defaultBuffer = 64
	sendTimeout   = 30 * time.Second
)

// Dispatcher is a lifecycle observer. Transitions into a watched state are
// rendered and queued; one goroutine delivers them so a slow or failing
// Telegram never holds a trade's lock.
type Dispatcher struct {
	sender  TextNotifier
	states  map[lifecycle.State]bool
	ch      chan string
	stopCh  chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	closed  atomic.Bool
	dropped atomic.Int64
	sent    atomic.Int64
}

func NewDispatcher(sender TextNotifier, states []lifecycle.State, buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	watch := make(map[lifecycle.State]bool, len(states))
	for _, st := range states {
		watch[st] = true
	}
	d := &Dispatcher{
		sender: sender,
		states: watch,
		ch:     make(chan string, buffer),
		stopCh: make(chan struct{}),
	}
	d.wg.Add(1)
	go d.runLoop()
	return d
}

// Observe matches lifecycle.Observer.
func (d *Dispatcher) Observe(ev lifecycle.TransitionEvent, trade lifecycle.Trade) {
	if d == nil || d.closed.Load() || !d.states[ev.To] {
		return
	}
	text := TransitionMessage(ev, trade).Markdown()
	select {
	case d.ch <- text:
	default:
		d.dropped.Add(1)
		logger.Warnf("notify: queue full, dropped %s → %s for trade %s", ev.From, ev.To, ev.TradeID)
	}
}

func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

func (d *Dispatcher) Sent() int64 { return d.sent.Load() }

// Close stops intake and delivers what is already queued.
func (d *Dispatcher) Close() error {
	d.once.Do(func() {
		d.closed.Store(true)
		close(d.stopCh)
	})
	d.wg.Wait()
	return nil
}

func (d *Dispatcher) runLoop() {
	defer d.wg.Done()
	for {
		select {
		case text := <-d.ch:
			d.deliver(text)
		case <-d.stopCh:
			for {
				select {
				case text := <-d.ch:
					d.deliver(text)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(text string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("notify: panic while sending: %v\n%s", r, debug.Stack())
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := d.sender.SendText(ctx, text); err != nil {
		logger.Warnf("notify: send failed: %v", err)
		return
	}
	d.sent.Add(1)
}
