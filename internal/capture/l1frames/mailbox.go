package l1frames

import (
	"context"
	"errors"
	"sync"
)

// ErrMailboxClosed is returned by Publish and Next after Close.
var ErrMailboxClosed = errors.New("frame mailbox closed")

// MailboxStats reports delivery counters.
type MailboxStats struct {
	Published uint64
	Consumed  uint64
	// Dropped counts frames superseded before the consumer took them.
	Dropped          uint64
	ConsecutiveDrops uint64
}

// Mailbox is a single-slot buffer between a camera producer and the
// analysis loop. Publishing overwrites an unconsumed frame, releasing the
// superseded buffer immediately so the producer never stalls. Exactly one
// goroutine may consume, either blocking in Next or selecting on Ready and
// calling TryNext.
type Mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frame  *Frame
	closed bool
	stats  MailboxStats
	ready  chan struct{}
}

// NewMailbox returns an empty, open mailbox.
func NewMailbox() *Mailbox {
	m := &Mailbox{ready: make(chan struct{}, 1)}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Publish offers a frame without blocking. If the mailbox is closed the
// frame is released and ErrMailboxClosed is returned.
func (m *Mailbox) Publish(f *Frame) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		f.Release()
		return ErrMailboxClosed
	}

	stale := m.frame
	if stale != nil {
		m.stats.Dropped++
		m.stats.ConsecutiveDrops++
	}
	m.frame = f
	m.stats.Published++
	m.cond.Signal()
	select {
	case m.ready <- struct{}{}:
	default:
	}
	m.mu.Unlock()

	if stale != nil {
		tracef("superseded frame at %s by %s", stale.Timestamp().Format("15:04:05.000"), f.Timestamp().Format("15:04:05.000"))
		stale.Release()
	}
	return nil
}

// Next blocks until a frame is available, the mailbox is closed or ctx is
// done. The caller owns the returned frame and must Release it.
func (m *Mailbox) Next(ctx context.Context) (*Frame, error) {
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for m.frame == nil && !m.closed && ctx.Err() == nil {
		m.cond.Wait()
	}
	if m.closed {
		return nil, ErrMailboxClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return m.take(), nil
}

// Ready is signalled after a Publish and closed by Close. A signal does not
// guarantee a frame: Next may have taken it already.
func (m *Mailbox) Ready() <-chan struct{} { return m.ready }

// TryNext returns the held frame without blocking, or nil if there is none.
func (m *Mailbox) TryNext() (*Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrMailboxClosed
	}
	if m.frame == nil {
		return nil, nil
	}
	return m.take(), nil
}

func (m *Mailbox) take() *Frame {
	f := m.frame
	m.frame = nil
	m.stats.Consumed++
	m.stats.ConsecutiveDrops = 0
	return f
}

// Close stops accepting frames, releases any held frame and wakes the
// consumer. It is safe to call more than once.
func (m *Mailbox) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	held := m.frame
	m.frame = nil
	stats := m.stats
	m.cond.Broadcast()
	close(m.ready)
	m.mu.Unlock()

	if held != nil {
		held.Release()
	}
	diagf("mailbox closed: published=%d consumed=%d dropped=%d", stats.Published, stats.Consumed, stats.Dropped)
}

// Stats returns a snapshot of the delivery counters.
func (m *Mailbox) Stats() MailboxStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
