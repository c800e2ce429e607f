package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gorm.io/gorm"

	"confio/observability"
	"confio/services/sto/models"
)

// Sink delivers payloads to connected sessions.
type Sink interface {
	DeliverRoom(ctx context.Context, room string, payload []byte) error
	DeliverUser(ctx context.Context, userID string, payload []byte) error
}

// Notifier pushes a notification to devices of a user.
type Notifier interface {
	Push(ctx context.Context, userID string, payload []byte) error
}

// Config tunes the dispatcher.
type Config struct {
	Interval     time.Duration
	BatchSize    int
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 2 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Minute
	}
	return c
}

// Dispatcher drains committed outbox rows.
type Dispatcher struct {
	db       *gorm.DB
	sink     Sink
	notifier Notifier
	cfg      Config
	logger   *slog.Logger
	nowFn    func() time.Time
}

// NewDispatcher builds a dispatcher. notifier may be nil.
func NewDispatcher(db *gorm.DB, sink Sink, notifier Notifier, cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		db:       db,
		sink:     sink,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "outbox"),
		nowFn:    time.Now,
	}
}

// SetNowFunc overrides the clock.
func (d *Dispatcher) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	d.nowFn = now
}

func (d *Dispatcher) now() time.Time { return d.nowFn().UTC() }

// Run drains the outbox every interval until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := d.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("outbox pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce delivers every due row once and returns how many were delivered.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	var due []models.OutboxEvent
	err := d.db.WithContext(ctx).
		Where("delivered_at IS NULL AND attempts < ? AND next_attempt_at <= ?", d.cfg.MaxAttempts, d.now()).
		Order("created_at ASC").
		Limit(d.cfg.BatchSize).
		Find(&due).Error
	if err != nil {
		return 0, err
	}
	delivered := 0
	for i := range due {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		ev := &due[i]
		derr := d.deliver(ctx, ev)
		observability.Events().RecordDelivery(ev.Topic, derr == nil)
		if err := d.record(ctx, ev, derr); err != nil {
			return delivered, err
		}
		if derr == nil {
			delivered++
		}
	}
	return delivered, nil
}

func (d *Dispatcher) deliver(ctx context.Context, ev *models.OutboxEvent) error {
	payload := []byte(ev.Payload)
	switch {
	case ev.Room != "":
		return d.sink.DeliverRoom(ctx, ev.Room, payload)
	case ev.UserID != "":
		if err := d.sink.DeliverUser(ctx, ev.UserID, payload); err != nil {
			return err
		}
		if d.notifier != nil && ev.Topic == models.TopicNotification {
			return d.notifier.Push(ctx, ev.UserID, payload)
		}
		return nil
	default:
		return nil
	}
}

func (d *Dispatcher) record(ctx context.Context, ev *models.OutboxEvent, derr error) error {
	now := d.now()
	if derr == nil {
		return d.db.WithContext(ctx).Model(ev).Updates(map[string]any{"delivered_at": now, "last_error": ""}).Error
	}
	attempts := ev.Attempts + 1
	msg := derr.Error()
	if len(msg) > 512 {
		msg = msg[:512]
	}
	if attempts >= d.cfg.MaxAttempts {
		d.logger.Warn("outbox event abandoned", "id", ev.ID.String(), "topic", ev.Topic, "attempts", attempts, "error", derr)
		outboxMetrics().recordAbandoned(ctx, ev.Topic)
	}
	return d.db.WithContext(ctx).Model(ev).Updates(map[string]any{
		"attempts":        attempts,
		"next_attempt_at": now.Add(d.Delay(attempts)),
		"last_error":      msg,
	}).Error
}

// Delay is the wait before retry number attempt.
func (d *Dispatcher) Delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.InitialDelay
	b.MaxInterval = d.cfg.MaxDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// Prune deletes delivered rows older than age.
func (d *Dispatcher) Prune(ctx context.Context, age time.Duration) (int64, error) {
	res := d.db.WithContext(ctx).
		Where("delivered_at IS NOT NULL AND delivered_at < ?", d.now().Add(-age)).
		Delete(&models.OutboxEvent{})
	return res.RowsAffected, res.Error
}
