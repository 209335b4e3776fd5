package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VitoHuang720618/bojiu/internal/observability"
)

const writeTimeout = 5 * time.Second

type Store interface {
	Insert(ctx context.Context, entry Entry) error
}

// Dispatcher queues entries and writes them from one goroutine. Entries
// that find the buffer full, or arrive after Close, are dropped and counted.
type Dispatcher struct {
	store     Store
	logger    *observability.Logger
	ch        chan Entry
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	now       func() time.Time
}

func NewDispatcher(store Store, logger *observability.Logger, bufferSize int) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = 256
	}

	d := &Dispatcher{
		store:  store,
		logger: logger,
		ch:     make(chan Entry, bufferSize),
		done:   make(chan struct{}),
		now:    func() time.Time { return time.Now().UTC() },
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *Dispatcher) Record(ctx context.Context, entry Entry) {
	if d == nil {
		return
	}

	client := ClientFromContext(ctx)
	if entry.IPAddress == "" {
		entry.IPAddress = client.IP
	}
	if entry.UserAgent == "" {
		entry.UserAgent = client.UserAgent
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = d.now()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return
	}
	select {
	case d.ch <- entry:
	default:
		d.dropped.Add(1)
	}
}

func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		close(d.done)
		d.wg.Wait()
	})
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case entry := <-d.ch:
			d.write(entry)
		case <-d.done:
			for {
				select {
				case entry := <-d.ch:
					d.write(entry)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) write(entry Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := d.store.Insert(ctx, entry); err != nil && d.logger != nil {
		d.logger.Error("audit_write_failed", map[string]any{
			"action": entry.Action,
			"error":  err.Error(),
		})
	}
}
