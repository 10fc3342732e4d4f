// Package audit records leveled, append-only diagnostic entries about
// subscriptions, events and delivery attempts.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"notifier/internal/webhook"
	"time"

	"github.com/google/uuid"
)

// Field decorates an entry.
type Field func(*webhook.AuditEntry)

// Subscription links the entry to a subscription.
func Subscription(id string) Field {
	return func(e *webhook.AuditEntry) { e.SubscriptionID = id }
}

// Event links the entry to an event.
func Event(id string) Field {
	return func(e *webhook.AuditEntry) { e.EventID = id }
}

// Delivery links the entry to a delivery attempt.
func Delivery(id string) Field {
	return func(e *webhook.AuditEntry) { e.DeliveryID = id }
}

// With adds a context key.
func With(key string, value any) Field {
	return func(e *webhook.AuditEntry) {
		if e.Context == nil {
			e.Context = make(map[string]any)
		}
		e.Context[key] = value
	}
}

// Option configures a Logger.
type Option func(*Logger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// WithSlog overrides the slog logger entries are mirrored to.
func WithSlog(logger *slog.Logger) Option {
	return func(l *Logger) { l.logger = logger }
}

// Logger persists audit entries and mirrors them to slog. A nil *Logger drops everything.
type Logger struct {
	store  webhook.AuditStore
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Logger writing to store.
func New(store webhook.AuditStore, opts ...Option) *Logger {
	l := &Logger{
		store:  store,
		logger: slog.With("component", "audit"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Log appends entry. ID and CreatedAt are filled when empty. Write failures
// are logged and never returned.
func (l *Logger) Log(ctx context.Context, entry webhook.AuditEntry) {
	if l == nil {
		return
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now().UTC()
	}
	l.mirror(ctx, &entry)

	// Audit rows outlive the request that produced them.
	if err := l.store.AppendAudit(context.WithoutCancel(ctx), &entry); err != nil {
		l.logger.Error("audit write failed", "error", err, "message", entry.Message)
	}
}

func (l *Logger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, webhook.LevelDebug, msg, fields)
}

func (l *Logger) Info(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, webhook.LevelInfo, msg, fields)
}

func (l *Logger) Warning(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, webhook.LevelWarning, msg, fields)
}

func (l *Logger) Error(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, webhook.LevelError, msg, fields)
}

func (l *Logger) Critical(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, webhook.LevelCritical, msg, fields)
}

// Query returns matching entries, newest first.
func (l *Logger) Query(ctx context.Context, f webhook.AuditFilter) ([]*webhook.AuditEntry, error) {
	return l.store.ListAudit(ctx, f)
}

func (l *Logger) log(ctx context.Context, level webhook.Level, msg string, fields []Field) {
	if l == nil {
		return
	}
	entry := webhook.AuditEntry{Level: level, Message: msg}
	for _, f := range fields {
		f(&entry)
	}
	l.Log(ctx, entry)
}

func (l *Logger) mirror(ctx context.Context, e *webhook.AuditEntry) {
	attrs := make([]slog.Attr, 0, 4+len(e.Context))
	if e.SubscriptionID != "" {
		attrs = append(attrs, slog.String("subscriptionId", e.SubscriptionID))
	}
	if e.EventID != "" {
		attrs = append(attrs, slog.String("eventId", e.EventID))
	}
	if e.DeliveryID != "" {
		attrs = append(attrs, slog.String("deliveryId", e.DeliveryID))
	}
	for k, v := range e.Context {
		attrs = append(attrs, slog.Any(k, v))
	}

	var level slog.Level
	switch e.Level {
	case webhook.LevelDebug:
		level = slog.LevelDebug
	case webhook.LevelInfo:
		level = slog.LevelInfo
	case webhook.LevelWarning:
		level = slog.LevelWarn
	case webhook.LevelError:
		level = slog.LevelError
	case webhook.LevelCritical:
		level = slog.LevelError
		attrs = append(attrs, slog.Bool("critical", true))
	default:
		level = slog.LevelInfo
		attrs = append(attrs, slog.String("auditLevel", fmt.Sprint(int(e.Level))))
	}
	l.logger.LogAttrs(ctx, level, e.Message, attrs...)
}
