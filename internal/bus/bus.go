package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"querydesk/api/internal/config"
	"querydesk/api/internal/query"
)

// Consumer reacts to a published event. Consumers run synchronously after
// delivery and only see the original, non-broadcast event.
type Consumer interface {
	Consume(ctx context.Context, e Event) error
}

type ConsumerFunc func(ctx context.Context, e Event) error

func (f ConsumerFunc) Consume(ctx context.Context, e Event) error { return f(ctx, e) }

type Bus struct {
	live      *Live
	replay    ReplayLog
	signal    Signal
	consumers []Consumer
	logger    logrus.FieldLogger
	now       func() time.Time
}

// Option customises a Bus.
type Option func(*Bus)

func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// New wires the three delivery layers. replay and signal may be nil, in
// which case that layer is skipped.
func New(live *Live, replay ReplayLog, signal Signal, logger logrus.FieldLogger, opts ...Option) *Bus {
	if live == nil {
		live = NewLive(0)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	b := &Bus{
		live:   live,
		replay: replay,
		signal: signal,
		logger: logger.WithField("component", "bus"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AddConsumer registers c. Call during wiring, before the first Publish.
func (b *Bus) AddConsumer(c Consumer) {
	b.consumers = append(b.consumers, c)
}

func (b *Bus) Subscribe(team query.Team) *Subscription {
	return b.live.Subscribe(team)
}

func (b *Bus) Since(ctx context.Context, team query.Team, since time.Time, limit int) ([]Event, error) {
	if b.replay == nil {
		return []Event{}, nil
	}
	return b.replay.Since(ctx, team, since, limit)
}

func (b *Bus) Latest(ctx context.Context, team query.Team, device string) (Marker, bool, error) {
	if b.signal == nil {
		return Marker{}, false, nil
	}
	return b.signal.Latest(ctx, team, device)
}

// Publish delivers e through every layer. A non-broadcast event is expanded
// into one broadcast copy per audience team, each with its own id derived
// from the original, and then handed to consumers. A
// broadcast event is delivered as is and never expanded again. The returned
// error joins layer and consumer failures; it is informational and callers
// must not undo the triggering write because of it.
func (b *Bus) Publish(ctx context.Context, e Event) (Event, error) {
	e = e.normalize(b.now())

	var errs []error
	if e.Broadcast {
		if e.Team == "" {
			e.Team = query.TeamOperations
		}
		errs = append(errs, b.deliver(ctx, e)...)
		return e, errors.Join(errs...)
	}

	for _, team := range e.audience() {
		variant := e
		variant.ID = e.ID + "-" + string(team)
		variant.Team = team
		variant.Broadcast = true
		variant.Audience = nil
		errs = append(errs, b.deliver(ctx, variant)...)
	}

	for _, consumer := range b.consumers {
		if err := consumer.Consume(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("consumer: %w", err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		config.LogError(b.logger, "bus", "publish", logrus.Fields{
			"eventId":   e.ID,
			"subjectId": e.SubjectID,
			"action":    e.Action,
		}, err)
	}
	return e, err
}

func (b *Bus) deliver(ctx context.Context, e Event) []error {
	var errs []error

	delivered, dropped := b.live.Publish(e)
	publishedTotal.WithLabelValues("live", "ok").Add(float64(delivered))
	if dropped > 0 {
		liveDroppedTotal.Add(float64(dropped))
	}

	if b.replay != nil {
		if err := b.replay.Append(ctx, e); err != nil {
			publishedTotal.WithLabelValues("replay", "error").Inc()
			errs = append(errs, fmt.Errorf("replay %s: %w", e.Team, err))
		} else {
			publishedTotal.WithLabelValues("replay", "ok").Inc()
		}
	}

	if b.signal != nil {
		if err := b.signal.Touch(ctx, e); err != nil {
			publishedTotal.WithLabelValues("signal", "error").Inc()
			errs = append(errs, fmt.Errorf("signal %s: %w", e.Team, err))
		} else {
			publishedTotal.WithLabelValues("signal", "ok").Inc()
		}
	}
	return errs
}
