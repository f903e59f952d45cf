package voice

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/medrill/pulsegate/internal/resilience"
)

const (
	defaultMaxRetries = 10
	defaultBackoff    = time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Reconnector re-establishes a dropped voice connection with exponential
// backoff. The session keeps running in fallback mode while it works; the
// OnReconnect callback is the signal to leave fallback.
type Reconnector struct {
	client      *Client
	maxRetries  int
	backoff     time.Duration
	maxBackoff  time.Duration
	onReconnect func()

	done         chan struct{}
	stopOnce     sync.Once
	disconnected chan struct{}
}

// ReconnectorConfig configures a Reconnector.
type ReconnectorConfig struct {
	// Client is the voice client to reconnect. Required.
	Client *Client

	// MaxRetries bounds attempts per disconnect. Zero means 10; a negative
	// value retries until the session ends.
	MaxRetries int

	// Backoff is the initial delay between attempts. Doubles per failure up
	// to MaxBackoff. Defaults: 1s initial, 30s cap.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// OnReconnect fires after a successful reconnect, before any new events
	// arrive on the connection.
	OnReconnect func()
}

// NewReconnector builds a Reconnector. Call Monitor to start it.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	r := &Reconnector{
		client:       cfg.Client,
		maxRetries:   defaultMaxRetries,
		backoff:      defaultBackoff,
		maxBackoff:   defaultMaxBackoff,
		onReconnect:  cfg.OnReconnect,
		done:         make(chan struct{}),
		disconnected: make(chan struct{}, 1),
	}
	if cfg.MaxRetries != 0 {
		r.maxRetries = cfg.MaxRetries
	}
	if cfg.Backoff > 0 {
		r.backoff = cfg.Backoff
	}
	if cfg.MaxBackoff > 0 {
		r.maxBackoff = cfg.MaxBackoff
	}
	return r
}

// Monitor watches for disconnect notifications until ctx ends or Stop is
// called. Run it in its own goroutine.
func (r *Reconnector) Monitor(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.disconnected:
			r.attemptReconnect(ctx)
		}
	}
}

// NotifyDisconnect queues a reconnect attempt. Safe to call from the client's
// OnDisconnect callback; never blocks.
func (r *Reconnector) NotifyDisconnect() {
	select {
	case r.disconnected <- struct{}{}:
	default:
	}
}

// Stop halts monitoring. It does not close the client; the session owns that.
func (r *Reconnector) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
}

func (r *Reconnector) attemptReconnect(ctx context.Context) {
	backoff := r.backoff

	for attempt := 1; r.maxRetries < 0 || attempt <= r.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-time.After(backoff):
		}

		err := r.client.Connect(ctx)
		if err == nil {
			slog.Info("voice: reconnected", "attempt", attempt)
			if r.onReconnect != nil {
				r.onReconnect()
			}
			return
		}

		if errors.Is(err, resilience.ErrCircuitOpen) {
			slog.Warn("voice: reconnect blocked by circuit breaker", "attempt", attempt)
		} else {
			slog.Warn("voice: reconnect failed", "attempt", attempt, "backoff", backoff, "err", err)
		}

		backoff *= 2
		if backoff > r.maxBackoff {
			backoff = r.maxBackoff
		}
	}

	slog.Error("voice: reconnect abandoned", "attempts", r.maxRetries)
}
