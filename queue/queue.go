// Package queue provides the per-account background work scheduler: four
// serial lanes (misc, watcher, data, qrgen) whose lifecycle follows the
// session, app foreground/background transitions, and connectivity.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mreed/walletkit/backend"
)

var (
	// ErrStopped indicates a post was rejected because Stop was requested.
	// Work is never silently discarded; the caller learns immediately.
	ErrStopped = errors.New("scheduler stopped")
	// ErrDrainTimeout indicates Stop gave up waiting for a lane to drain.
	ErrDrainTimeout = errors.New("queue drain timed out")
	// ErrAlreadyStarted indicates a second Start on the same scheduler.
	ErrAlreadyStarted = errors.New("scheduler already started")
)

// Kind identifies one of the four serial lanes.
type Kind int

const (
	Misc Kind = iota
	Watcher
	Data
	QRGen

	kindCount = 4
)

func (k Kind) String() string {
	switch k {
	case Misc:
		return "misc"
	case Watcher:
		return "watcher"
	case Data:
		return "data"
	case QRGen:
		return "qrgen"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Unit is one piece of background work. The context is cancelled with
// cause backend.ErrNetworkUnavailable when connectivity is lost, so
// network-dependent units fail fast instead of hanging.
type Unit func(ctx context.Context) error

const defaultDrainTimeout = 10 * time.Second

// Scheduler owns the four lanes for one account. Within a lane units run
// strictly in submission order; across lanes there is no ordering.
type Scheduler struct {
	log          *zap.Logger
	drainTimeout time.Duration

	mu      sync.Mutex
	started bool
	stopped bool
	lanes   [kindCount]*lane

	netMu     sync.Mutex
	online    bool
	netCtx    context.Context
	netCancel context.CancelCauseFunc
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithDrainTimeout bounds how long Stop waits for lanes to drain.
func WithDrainTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.drainTimeout = d }
}

// New creates a Scheduler. Call Start to begin draining work.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		log:          zap.NewNop(),
		drainTimeout: defaultDrainTimeout,
		online:       true,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.netCtx, s.netCancel = context.WithCancelCause(context.Background())
	for k := 0; k < kindCount; k++ {
		kind := Kind(k)
		s.lanes[k] = &lane{
			kind: kind,
			// Watcher and QR generation are suspended in the background;
			// misc and data may finish short critical writes.
			critical: kind == Misc || kind == Data,
			done:     make(chan struct{}),
		}
		s.lanes[k].cond = sync.NewCond(&s.lanes[k].mu)
	}
	return s
}

// Start launches the lane consumers. Safe to call only once.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	for _, l := range s.lanes {
		go s.consume(l)
	}
	s.log.Debug("scheduler started")
	return nil
}

// Stop rejects new work and waits for already-submitted units to finish,
// up to the drain timeout. Suspended lanes are resumed so their pending
// items drain rather than being discarded. Idempotent.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	for _, l := range s.lanes {
		l.beginStop()
	}
	if !started {
		// No consumers exist; run already-posted items inline so
		// submitted work is never discarded.
		for _, l := range s.lanes {
			l.mu.Lock()
			items := l.items
			l.items = nil
			l.mu.Unlock()
			for _, item := range items {
				if err := item.run(s.networkContext()); err != nil {
					s.log.Warn("unit failed",
						zap.Stringer("lane", l.kind),
						zap.String("unit", item.id),
						zap.Error(err))
				}
			}
		}
		s.netCancel(ErrStopped)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.drainTimeout)
	defer cancel()

	g := new(errgroup.Group)
	for _, l := range s.lanes {
		l := l
		g.Go(func() error {
			select {
			case <-l.done:
				return nil
			case <-ctx.Done():
				return fmt.Errorf("%s lane: %w", l.kind, ErrDrainTimeout)
			}
		})
	}
	err := g.Wait()
	s.netCancel(ErrStopped)
	if err != nil {
		s.log.Warn("scheduler stop incomplete", zap.Error(err))
		return err
	}
	s.log.Debug("scheduler stopped")
	return nil
}

// Post enqueues a unit on the given lane. Rejected with ErrStopped once
// Stop has been requested.
func (s *Scheduler) Post(kind Kind, unit Unit) error {
	l := s.lanes[kind]
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopping {
		return fmt.Errorf("%s lane: %w", kind, ErrStopped)
	}
	l.items = append(l.items, laneItem{id: uuid.NewString(), run: unit})
	l.cond.Signal()
	return nil
}

// PendingCount reports outstanding units on a lane: queued plus the one
// currently executing, if any.
func (s *Scheduler) PendingCount(kind Kind) int {
	l := s.lanes[kind]
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.items)
	if l.running {
		n++
	}
	return n
}

// OnBackground suspends the non-critical lanes and cancels their
// queued-but-not-started work. In-flight units are allowed to finish.
func (s *Scheduler) OnBackground() {
	for _, l := range s.lanes {
		if l.critical {
			continue
		}
		l.mu.Lock()
		l.paused = true
		dropped := len(l.items)
		l.items = nil
		l.mu.Unlock()
		if dropped > 0 {
			s.log.Debug("dropped queued units on background",
				zap.Stringer("lane", l.kind),
				zap.Int("count", dropped))
		}
	}
}

// OnForeground resumes all lanes.
func (s *Scheduler) OnForeground() {
	for _, l := range s.lanes {
		l.mu.Lock()
		l.paused = false
		l.cond.Signal()
		l.mu.Unlock()
	}
}

// OnConnectivityChanged updates the network context handed to units. Loss
// cancels the current context with cause backend.ErrNetworkUnavailable;
// restoration installs a fresh one for subsequent units.
func (s *Scheduler) OnConnectivityChanged(online bool) {
	s.netMu.Lock()
	defer s.netMu.Unlock()
	if online == s.online {
		return
	}
	s.online = online
	if online {
		s.netCtx, s.netCancel = context.WithCancelCause(context.Background())
		s.log.Debug("connectivity restored")
		return
	}
	s.netCancel(backend.ErrNetworkUnavailable)
	s.log.Debug("connectivity lost")
}

func (s *Scheduler) networkContext() context.Context {
	s.netMu.Lock()
	defer s.netMu.Unlock()
	return s.netCtx
}

type laneItem struct {
	id  string
	run Unit
}

type lane struct {
	kind     Kind
	critical bool

	mu       sync.Mutex
	cond     *sync.Cond
	items    []laneItem
	running  bool
	paused   bool
	stopping bool
	done     chan struct{}
}

// beginStop marks the lane stopping and resumes it so pending items drain.
func (l *lane) beginStop() {
	l.mu.Lock()
	l.stopping = true
	l.paused = false
	l.cond.Broadcast()
	l.mu.Unlock()
}

func (s *Scheduler) consume(l *lane) {
	defer close(l.done)
	l.mu.Lock()
	for {
		for !l.stopping && (l.paused || len(l.items) == 0) {
			l.cond.Wait()
		}
		if l.stopping && len(l.items) == 0 {
			l.mu.Unlock()
			return
		}
		item := l.items[0]
		l.items = l.items[1:]
		l.running = true
		l.mu.Unlock()

		if err := item.run(s.networkContext()); err != nil {
			s.log.Warn("unit failed",
				zap.Stringer("lane", l.kind),
				zap.String("unit", item.id),
				zap.Error(err))
		}

		l.mu.Lock()
		l.running = false
	}
}
