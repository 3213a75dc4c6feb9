package session

import (
	"context"
	"sync"
	"time"

	"flora-session/internal/common/logging"
)

const (
	DefaultSafetyMargin = 60 * time.Second
	DefaultMinDelay     = 5 * time.Second
)

// refresher is the part of RefreshCoordinator the scheduler and executor use.
type refresher interface {
	Refresh(ctx context.Context) (Credentials, error)
}

type SchedulerConfig struct {
	Refresher refresher
	// Current returns the credentials to re-arm from after a fire.
	Current      func() Credentials
	Clock        Clock
	SafetyMargin time.Duration
	MinDelay     time.Duration
	Logger       logging.Logger
}

// ProactiveScheduler keeps at most one timer armed to refresh the access
// token SafetyMargin before it expires. Every arm cancels the previous
// timer; a generation counter turns callbacks of stopped timers that
// already started into no-ops.
type ProactiveScheduler struct {
	refresher refresher
	current   func() Credentials
	clock     Clock
	margin    time.Duration
	minDelay  time.Duration
	logger    logging.Logger

	mu         sync.Mutex
	timer      Timer
	generation uint64
	nextFire   time.Time
	closed     bool
	fires      sync.WaitGroup
}

func NewProactiveScheduler(cfg SchedulerConfig) *ProactiveScheduler {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = DefaultSafetyMargin
	}
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = DefaultMinDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Component("scheduler")
	}
	return &ProactiveScheduler{
		refresher: cfg.Refresher,
		current:   cfg.Current,
		clock:     cfg.Clock,
		margin:    cfg.SafetyMargin,
		minDelay:  cfg.MinDelay,
		logger:    cfg.Logger,
	}
}

// Arm schedules a refresh at accessExpiry minus the safety margin, or after
// the minimum delay if that instant is too close or already past.
func (s *ProactiveScheduler) Arm(accessExpiry time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.stopLocked()

	now := s.clock.Now()
	delay := accessExpiry.Add(-s.margin).Sub(now)
	if delay < s.minDelay {
		delay = s.minDelay
	}

	gen := s.generation
	s.nextFire = now.Add(delay)
	s.timer = s.clock.AfterFunc(delay, func() { s.fire(gen) })

	s.logger.Debug("Proactive refresh armed",
		logging.Time("fire_at", s.nextFire),
		logging.Duration("delay", delay))
}

// Rearm arms from c, or cancels when c holds nothing that can be refreshed.
func (s *ProactiveScheduler) Rearm(c Credentials) {
	if c.RefreshToken == "" {
		s.Cancel()
		return
	}
	s.Arm(c.AccessExpiry)
}

// Cancel stops the pending timer, if any.
func (s *ProactiveScheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *ProactiveScheduler) stopLocked() {
	s.generation++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.nextFire = time.Time{}
}

// NextFire returns when the pending timer fires.
func (s *ProactiveScheduler) NextFire() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextFire, s.timer != nil
}

// Close cancels the timer, prevents further arming and waits for a fire
// that is already running.
func (s *ProactiveScheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.stopLocked()
	s.mu.Unlock()

	s.fires.Wait()
}

func (s *ProactiveScheduler) fire(gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.nextFire = time.Time{}
	s.fires.Add(1)
	s.mu.Unlock()
	defer s.fires.Done()

	s.logger.Debug("Proactive refresh firing")
	if _, err := s.refresher.Refresh(context.Background()); err != nil {
		s.logger.Warn("Proactive refresh failed", logging.Err(err))
	}

	// Outcome does not matter: re-arm from whatever the credentials are now.
	s.Rearm(s.current())
}
