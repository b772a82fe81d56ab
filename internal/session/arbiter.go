// ABOUTME: Exclusive device arbitration with a busy flag and a session-long lock
// ABOUTME: Leases forward requests to the device and record outcomes in the ledger

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/FayCarsons/pidgeon/internal/store"
)

// DefaultReplyWindow is how long Forward waits for the device to answer.
const DefaultReplyWindow = 200 * time.Millisecond

// ErrBusy is returned by Acquire while another lease is held.
var ErrBusy = errors.New("device busy")

// Device is what a lease needs from the device link.
type Device interface {
	Send(text string) error
	TryReadLine(timeout time.Duration) (string, bool, error)
	Discard() int
}

// Options configures an Arbiter.
type Options struct {
	ReplyWindow time.Duration
	Store       store.Store // optional
	Logger      *slog.Logger
}

// Arbiter hands out exclusive leases on a device.
type Arbiter struct {
	device Device
	window time.Duration
	store  store.Store
	logger *slog.Logger

	busy atomic.Bool
	mu   sync.Mutex

	obsMu     sync.Mutex
	observers []func(busy bool)
}

// NewArbiter wraps device.
func NewArbiter(device Device, opts Options) *Arbiter {
	if opts.ReplyWindow <= 0 {
		opts.ReplyWindow = DefaultReplyWindow
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Arbiter{
		device: device,
		window: opts.ReplyWindow,
		store:  opts.Store,
		logger: opts.Logger.With("component", "arbiter"),
	}
}

// Busy reports whether a lease is held.
func (a *Arbiter) Busy() bool {
	return a.busy.Load()
}

// OnChange registers fn to be called with the new state whenever a lease is
// acquired or released.
func (a *Arbiter) OnChange(fn func(busy bool)) {
	a.obsMu.Lock()
	defer a.obsMu.Unlock()
	a.observers = append(a.observers, fn)
}

func (a *Arbiter) notify(busy bool) {
	a.obsMu.Lock()
	observers := slices.Clone(a.observers)
	a.obsMu.Unlock()

	for _, fn := range observers {
		fn(busy)
	}
}

// Acquire claims the device for frontend/remote. It fails with ErrBusy
// without blocking if a lease is already held.
func (a *Arbiter) Acquire(ctx context.Context, frontend, remote string) (*Lease, error) {
	if !a.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	a.mu.Lock()

	l := &Lease{
		ID:       uuid.NewString(),
		Frontend: frontend,
		Remote:   remote,
		arbiter:  a,
	}
	l.logger = a.logger.With("session_id", l.ID, "frontend", frontend, "remote", remote)

	if a.store != nil {
		err := a.store.OpenSession(ctx, &store.Session{
			ID:         l.ID,
			Frontend:   frontend,
			RemoteAddr: remote,
			StartedAt:  time.Now(),
		})
		if err != nil {
			l.logger.Warn("failed to record session start", "error", err)
		}
	}

	l.logger.Info("session started")
	a.notify(true)
	return l, nil
}

// Lease is one holder's exclusive claim on the device.
type Lease struct {
	ID       string
	Frontend string
	Remote   string

	arbiter *Arbiter
	logger  *slog.Logger

	releaseOnce sync.Once
}

// Forward sends text to the device and waits up to the reply window for one
// line. answered is false when the device stayed silent. An error means the
// device link failed and the lease should end.
func (l *Lease) Forward(ctx context.Context, text string) (reply string, answered bool, err error) {
	a := l.arbiter

	if n := a.device.Discard(); n > 0 {
		l.logger.Debug("dropped stale device output", "lines", n)
	}

	if err := a.device.Send(text); err != nil {
		l.record(ctx, store.OutcomeFailure)
		return "", false, fmt.Errorf("writing to device: %w", err)
	}

	reply, answered, err = a.device.TryReadLine(a.window)
	switch {
	case err != nil:
		l.record(ctx, store.OutcomeFailure)
		return "", false, fmt.Errorf("reading from device: %w", err)
	case answered:
		l.record(ctx, store.OutcomeReply)
	default:
		l.record(ctx, store.OutcomeSilent)
	}
	return reply, answered, nil
}

func (l *Lease) record(ctx context.Context, outcome store.Outcome) {
	if l.arbiter.store == nil {
		return
	}
	if err := l.arbiter.store.RecordExchange(ctx, l.ID, outcome); err != nil {
		l.logger.Warn("failed to record exchange", "outcome", outcome, "error", err)
	}
}

// Release gives the device back. Only the first call has any effect.
func (l *Lease) Release(reason string) {
	l.releaseOnce.Do(func() {
		a := l.arbiter

		if a.store != nil {
			// the connection context is usually gone by now
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			if err := a.store.CloseSession(ctx, l.ID, reason); err != nil {
				l.logger.Warn("failed to record session end", "error", err)
			}
			cancel()
		}

		a.mu.Unlock()
		a.busy.Store(false)

		l.logger.Info("session ended", "reason", reason)
		a.notify(false)
	})
}
