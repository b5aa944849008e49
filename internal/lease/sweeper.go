package lease

import (
	"context"
	"math/rand"
	"time"

	"github.com/calder-io/calder/pkg/log"
)

// Sweeper periodically reaps expired leases from a Manager and hands them
// to a callback. Engines use the callback to make abandoned messages
// visible again or to trigger group rebalancing.
type Sweeper struct {
	mgr      *Manager
	interval time.Duration
	batch    int
	onExpire func(context.Context, []Lease)
	logger   log.Logger

	stop chan struct{}
	done chan struct{}
}

// NewSweeper builds a sweeper over mgr. onExpire may be nil when the
// caller only wants leases removed.
func NewSweeper(mgr *Manager, interval time.Duration, batch int, onExpire func(context.Context, []Lease), logger log.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	return &Sweeper{
		mgr:      mgr,
		interval: interval,
		batch:    batch,
		onExpire: onExpire,
		logger:   logger.With(log.Component("lease.sweeper")),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. Each cycle sleeps interval plus up to
// 20% jitter so sweepers over many scopes do not fire in lockstep.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-time.After(s.jittered()):
			}
			s.sweepOnce(ctx)
		}
	}()
}

// Stop terminates the loop and waits for the current sweep to finish.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	expired, err := s.mgr.ExpireDue(ctx, s.batch)
	if err != nil {
		s.logger.Warn("lease sweep failed", log.Err(err))
		return
	}
	if len(expired) == 0 {
		return
	}
	s.logger.Debug("reaped expired leases", log.Int("count", len(expired)), log.Str("scope", s.mgr.scope))
	if s.onExpire != nil {
		s.onExpire(ctx, expired)
	}
}

func (s *Sweeper) jittered() time.Duration {
	j := time.Duration(rand.Int63n(int64(s.interval)/5 + 1))
	return s.interval + j
}
