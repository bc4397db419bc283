package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"openwhen/internal/rule"
	logx "openwhen/pkg/logx"
)

var (
	// ErrNoTarget is returned when neither a primary nor a fallback channel is configured.
	ErrNoTarget = errors.New("no delivery channel configured")
	// ErrNotReady reports a primary channel that did not confirm within the ready timeout.
	ErrNotReady = errors.New("primary channel not confirmed in time")
)

// DefaultReadyTimeout bounds the wait for primary confirmation.
const DefaultReadyTimeout = 10 * time.Second

// Options annotate a delivery.
type Options struct {
	IsLate             bool
	MissedCount        int
	MostRecentMissedAt time.Time
	// ScheduledAt is the occurrence being delivered on time, if any.
	ScheduledAt time.Time
	// Manual marks an operator-triggered delivery.
	Manual bool
}

// Result reports which surface confirmed the delivery. Either counts as success.
type Result struct {
	ConfirmedPrimary  bool
	ConfirmedFallback bool
	Channel           string
}

func (r Result) Confirmed() bool { return r.ConfirmedPrimary || r.ConfirmedFallback }

// Deliverer delivers one schedulable unit (a rule, or a whole group at once).
type Deliverer interface {
	Deliver(ctx context.Context, u rule.Unit, opt Options) (Result, error)
}

// Channel is one delivery surface. Send returns nil once the surface accepted the notification.
type Channel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

type Config struct {
	ReadyTimeout time.Duration
	RatePerSec   int // 0 disables limiting
}

// Dispatcher races the primary channel against ReadyTimeout and falls back on
// timeout or error. Deliveries share a token bucket so catch-up bursts are paced.
type Dispatcher struct {
	log logx.Logger
	now func() time.Time

	mu           sync.RWMutex
	primary      Channel
	fallback     Channel
	readyTimeout time.Duration
	limiter      *rate.Limiter
}

func NewDispatcher(cfg Config, primary, fallback Channel, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		log:      log.With(logx.String("comp", "delivery")),
		now:      time.Now,
		primary:  primary,
		fallback: fallback,
	}
	d.Apply(cfg)
	return d
}

// Apply swaps timing and rate settings at runtime.
func (d *Dispatcher) Apply(cfg Config) {
	timeout := cfg.ReadyTimeout
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	lim := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSec > 0 {
		// Token bucket: burst = rate per sec, so short spikes don't block too hard.
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	d.mu.Lock()
	d.readyTimeout = timeout
	d.limiter = lim
	d.mu.Unlock()
}

// SetChannels replaces the primary and fallback channels.
func (d *Dispatcher) SetChannels(primary, fallback Channel) {
	d.mu.Lock()
	d.primary, d.fallback = primary, fallback
	d.mu.Unlock()
}

func (d *Dispatcher) Deliver(ctx context.Context, u rule.Unit, opt Options) (Result, error) {
	d.mu.RLock()
	primary, fallback := d.primary, d.fallback
	timeout, lim := d.readyTimeout, d.limiter
	d.mu.RUnlock()

	if primary == nil && fallback == nil {
		return Result{}, ErrNoTarget
	}
	if err := lim.Wait(ctx); err != nil {
		return Result{}, err
	}

	n := Build(u, opt, d.now())
	log := d.log.With(logx.String("key", n.Key), logx.Bool("late", opt.IsLate), logx.Int("missed", opt.MissedCount))

	var perr error
	if primary != nil {
		if perr = d.sendPrimary(ctx, primary, timeout, n); perr == nil {
			log.Debug("delivered", logx.String("channel", primary.Name()))
			return Result{ConfirmedPrimary: true, Channel: primary.Name()}, nil
		}
		log.Warn("primary delivery failed", logx.String("channel", primary.Name()), logx.Err(perr))
	}
	if fallback == nil {
		return Result{}, perr
	}

	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := fallback.Send(fctx, n); err != nil {
		log.Error("fallback delivery failed", logx.String("channel", fallback.Name()), logx.Err(err))
		return Result{}, errors.Join(perr, err)
	}
	log.Info("delivered via fallback", logx.String("channel", fallback.Name()))
	return Result{ConfirmedFallback: true, Channel: fallback.Name()}, nil
}

// sendPrimary waits at most timeout for ch to confirm. A channel that ignores ctx
// keeps running in the background; its late result is discarded.
func (d *Dispatcher) sendPrimary(ctx context.Context, ch Channel, timeout time.Duration, n Notification) error {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("channel %s panicked: %v", ch.Name(), r)
			}
		}()
		done <- ch.Send(pctx, n)
	}()

	select {
	case err := <-done:
		return err
	case <-pctx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s after %s", ErrNotReady, ch.Name(), timeout)
	}
}
