package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"DEBUG", slog.LevelDebug, false},
		{" warn ", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoggerAddsService(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	ctx := WithCorrelationID(context.Background(), "corr-1")

	RequestLogger(ctx, logger, "alice").Info("hello")
	logger.Debug("hidden")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "sessiond", line["service"])
	assert.Equal(t, "alice", line["user_id"])
	assert.Equal(t, "corr-1", line["correlation_id"])
	assert.Equal(t, 1, strings.Count(buf.String(), "\n"))
}

func TestCorrelationIDGenerated(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "")
	assert.Len(t, CorrelationID(ctx), 36)
	assert.Empty(t, CorrelationID(context.Background()))
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics(func() float64 { return 3 })
	m.SessionCreated()
	m.SessionsExpired(2)
	m.RecordSweep(time.Second)
	m.RecordCleanup("files", 10*time.Millisecond, true)
	m.HandlesDiscarded(4)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	for _, want := range []string{
		"sessiond_sessions_active 3",
		"sessiond_sessions_created_total 1",
		"sessiond_sessions_expired_total 2",
		"sessiond_sweep_runs_total 1",
		`sessiond_cleanup_failures_total{collaborator="files"} 1`,
		"sessiond_handles_discarded_total 4",
	} {
		assert.Contains(t, body, want)
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.SessionCreated()
	m.RecordSweep(time.Second)
	m.RecordCleanup("files", time.Second, true)
	m.HandlesDiscarded(1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSpansInheritTraceID(t *testing.T) {
	var spans []Span
	tracer := NewTracer(SpanExporterFunc(func(s Span) { spans = append(spans, s) }))

	ctx := WithCorrelationID(context.Background(), "corr-9")
	ctx, parent := tracer.StartSpan(ctx, "sweep", SweepTags(1, 0))
	_, child := tracer.StartSpan(ctx, "cleanup", CleanupTags("alice"))
	tracer.EndSpan(child, "partial")
	tracer.EndSpan(parent, "")

	require.Len(t, spans, 2)
	assert.Equal(t, "corr-9", spans[0].TraceID)
	assert.Equal(t, parent.SpanID, spans[0].ParentID)
	assert.Equal(t, "partial", spans[0].Status)
	assert.Equal(t, "ok", spans[1].Status)
	assert.Equal(t, "alice", spans[0].Tags["user_id"])
}

func TestLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo, "hunter2", "")

	logger.With("dsn", "postgres://u:hunter2@db/s").Info("connect hunter2 failed",
		"error", errors.New("auth hunter2 rejected"),
		slog.Group("server", slog.String("api_key", "hunter2")),
		"attempts", 3)

	out := buf.String()
	assert.NotContains(t, out, "hunter2")
	assert.Equal(t, 4, strings.Count(out, Redacted))
	assert.Contains(t, out, `"attempts":3`)
}

func TestRedactHandlerWithoutSecrets(t *testing.T) {
	var buf bytes.Buffer
	h := NewRedactHandler(slog.NewTextHandler(&buf, nil))
	slog.New(h).Info("plain", "k", "v")
	assert.Contains(t, buf.String(), "k=v")

	h.AddSecret("v")
	buf.Reset()
	slog.New(h).Info("plain", "k", "v")
	assert.Contains(t, buf.String(), "k="+Redacted)
}
