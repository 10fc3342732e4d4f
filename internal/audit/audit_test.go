package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"notifier/internal/store/memory"
	"notifier/internal/webhook"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestLogger(store webhook.AuditStore) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	h := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return New(store, WithClock(func() time.Time { return t0 }), WithSlog(slog.New(h))), &buf
}

func TestLogger_PersistsAndQueries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, _ := newTestLogger(memory.New())

	l.Info(ctx, "event recorded", Subscription("sub-1"), Event("evt-1"), With("eventType", "order.created"))
	l.Error(ctx, "retries exhausted", Subscription("sub-1"), Event("evt-1"), With("attempts", 4))
	l.Debug(ctx, "claimed", Event("evt-2"))

	all, err := l.Query(ctx, webhook.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "claimed", all[0].Message)
	assert.NotEmpty(t, all[0].ID)
	assert.True(t, all[0].CreatedAt.Equal(t0))

	errs, err := l.Query(ctx, webhook.AuditFilter{MinLevel: webhook.LevelError})
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "sub-1", errs[0].SubscriptionID)
	assert.Equal(t, "evt-1", errs[0].EventID)
	assert.Equal(t, 4, errs[0].Context["attempts"])
}

func TestLogger_MirrorsToSlog(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		log       func(*Logger)
		wantLevel string
		critical  bool
	}{
		{"debug", func(l *Logger) { l.Debug(context.Background(), "m") }, "DEBUG", false},
		{"warning", func(l *Logger) { l.Warning(context.Background(), "m") }, "WARN", false},
		{"error", func(l *Logger) { l.Error(context.Background(), "m") }, "ERROR", false},
		{"critical", func(l *Logger) { l.Critical(context.Background(), "m") }, "ERROR", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			l, buf := newTestLogger(memory.New())
			tt.log(l)

			var line map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
			assert.Equal(t, tt.wantLevel, line["level"])
			assert.Equal(t, "m", line["msg"])
			if tt.critical {
				assert.Equal(t, true, line["critical"])
			} else {
				assert.NotContains(t, line, "critical")
			}
		})
	}
}

type failingStore struct{}

func (failingStore) AppendAudit(context.Context, *webhook.AuditEntry) error {
	return errors.New("disk full")
}

func (failingStore) ListAudit(context.Context, webhook.AuditFilter) ([]*webhook.AuditEntry, error) {
	return nil, errors.New("disk full")
}

func TestLogger_WriteFailureIsLoggedNotReturned(t *testing.T) {
	t.Parallel()
	l, buf := newTestLogger(failingStore{})

	assert.NotPanics(t, func() { l.Warning(context.Background(), "lease lost", Event("evt-1")) })
	assert.True(t, strings.Contains(buf.String(), "audit write failed"))
	assert.True(t, strings.Contains(buf.String(), "disk full"))
}

func TestLogger_NilIsNoop(t *testing.T) {
	t.Parallel()
	var l *Logger
	assert.NotPanics(t, func() {
		l.Info(context.Background(), "ignored")
		l.Log(context.Background(), webhook.AuditEntry{Message: "ignored"})
	})
}
