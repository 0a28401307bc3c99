package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/coachfeed/internal/infrastructure/logger"
)

func TestRequestLogger_LogsCompletedRequest(t *testing.T) {
	base, hook := test.NewNullLogger()
	base.SetLevel(logrus.DebugLevel)

	var seen *logrus.Entry
	handler := RequestLogger(logrus.NewEntry(base))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = LogEntry(r.Context(), nil)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("queued"))
	}))

	req := httptest.NewRequest(http.MethodPost, "/jobs/abc/enqueue", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.NotNil(t, seen)
	assert.Equal(t, "req-42", seen.Data["req_id"])

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.DebugLevel, entry.Level)
	assert.Equal(t, http.StatusAccepted, entry.Data["status"])
	assert.Equal(t, "6 B", entry.Data["size"])
	assert.Equal(t, "/jobs/abc/enqueue", entry.Data["path"])
}

func TestRequestLogger_ServerErrorsWarn(t *testing.T) {
	base, hook := test.NewNullLogger()

	handler := RequestLogger(logrus.NewEntry(base))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/queue", nil))

	require.Len(t, hook.Entries, 1)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestStatusRecorder_ForwardsFlush(t *testing.T) {
	rec := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rec}

	var w http.ResponseWriter = sr
	f, ok := w.(http.Flusher)
	require.True(t, ok)
	f.Flush()

	assert.True(t, rec.Flushed)
}

func TestLogEntry_Fallback(t *testing.T) {
	fallback := logger.Discard()
	assert.Same(t, fallback, LogEntry(httptest.NewRequest(http.MethodGet, "/", nil).Context(), fallback))
}
