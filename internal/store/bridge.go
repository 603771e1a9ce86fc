package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/cortexuvula/roomrelay/internal/config"
)

// BridgeOptions configures a Bridge.
type BridgeOptions struct {
	PersistTimeout   time.Duration
	MaxContentLength int
	Breaker          config.BreakerConfig
	// OnBreakerChange is called when the breaker opens or leaves the open state.
	OnBreakerChange func(open bool)
}

// Bridge implements Store on top of a Backend. Every persist failure,
// including timeouts and an open breaker, is reported as ErrPersist.
type Bridge struct {
	backend   Backend
	validator atomic.Pointer[Validator]
	timeout   time.Duration
	breaker   *gobreaker.CircuitBreaker[struct{}]
	now       func() time.Time
}

// NewBridge wraps backend.
func NewBridge(backend Backend, opts BridgeOptions) *Bridge {
	b := &Bridge{
		backend: backend,
		timeout: opts.PersistTimeout,
		now:     time.Now,
	}
	b.validator.Store(NewValidator(opts.MaxContentLength))
	if opts.Breaker.Enabled {
		threshold := opts.Breaker.FailureThreshold
		if threshold == 0 {
			threshold = 1
		}
		b.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        "store",
			MaxRequests: opts.Breaker.HalfOpenRequests,
			Timeout:     opts.Breaker.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("store circuit breaker state change", "from", from.String(), "to", to.String())
				if opts.OnBreakerChange != nil {
					opts.OnBreakerChange(to == gobreaker.StateOpen)
				}
			},
			// Caller cancellation says nothing about store health.
			IsExcluded: func(err error) bool {
				return errors.Is(err, context.Canceled)
			},
		})
	}
	return b
}

// Backend returns the wrapped backend.
func (b *Bridge) Backend() Backend { return b.backend }

// Validate checks a draft without persisting it.
func (b *Bridge) Validate(d Draft) error {
	return b.validator.Load().Validate(d)
}

// SetMaxContentLength replaces the content cap used by later persists.
func (b *Bridge) SetMaxContentLength(n int) {
	b.validator.Store(NewValidator(n))
}

// Persist validates d, assigns id and timestamp, and writes it durably
// within the persist timeout.
func (b *Bridge) Persist(ctx context.Context, d Draft) (Message, error) {
	if err := b.Validate(d); err != nil {
		return Message{}, err
	}
	m, err := stamp(d, b.now())
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrPersist, err)
	}

	insert := func() (struct{}, error) {
		ctx, cancel := b.withTimeout(ctx)
		defer cancel()
		return struct{}{}, b.backend.Insert(ctx, m)
	}
	if b.breaker != nil {
		_, err = b.breaker.Execute(insert)
	} else {
		_, err = insert()
	}
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return m, nil
}

// FetchHistory returns room messages after the since cursor. See Backend.History.
func (b *Bridge) FetchHistory(ctx context.Context, roomID, since string, limit int) ([]Message, error) {
	if roomID == "" {
		return nil, fmt.Errorf("%w: roomId is required", ErrInvalidMessage)
	}
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	msgs, err := b.backend.History(ctx, roomID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch history for room %s: %w", roomID, err)
	}
	if msgs == nil {
		msgs = []Message{}
	}
	return msgs, nil
}

// GetOrCreateRoom returns the room for scope, creating it on first use.
func (b *Bridge) GetOrCreateRoom(ctx context.Context, scope Scope, userID, name string) (Room, error) {
	if err := scope.Validate(); err != nil {
		return Room{}, err
	}
	candidate, err := newRoom(scope, userID, name, b.now())
	if err != nil {
		return Room{}, err
	}
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	room, err := b.backend.UpsertRoom(ctx, candidate)
	if err != nil {
		return Room{}, fmt.Errorf("get or create room %s: %w", scope, err)
	}
	return room, nil
}

// GetRoom looks up a room by id.
func (b *Bridge) GetRoom(ctx context.Context, roomID string) (Room, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	return b.backend.Room(ctx, roomID)
}

// Ping checks backend reachability.
func (b *Bridge) Ping(ctx context.Context) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	return b.backend.Ping(ctx)
}

// BreakerState reports "closed", "half-open", "open", or "disabled".
func (b *Bridge) BreakerState() string {
	if b.breaker == nil {
		return "disabled"
	}
	return b.breaker.State().String()
}

// Close closes the backend.
func (b *Bridge) Close() error {
	return b.backend.Close()
}

func (b *Bridge) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, b.timeout)
}
