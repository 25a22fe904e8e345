package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/agerwick/backup-retention/internal/config"
	"github.com/agerwick/backup-retention/internal/metadata"
	"github.com/agerwick/backup-retention/internal/service"
	"github.com/go-errors/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeBackend struct {
	mu       sync.Mutex
	running  bool
	last     *metadata.Report
	next     *time.Time
	runs     int
	ran      chan struct{}
	hold     chan struct{}
	startErr error
}

func (f *fakeBackend) Start(ctx context.Context, done func(*metadata.Report, error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	if f.running {
		return service.ErrAlreadyRunning
	}
	f.running = true
	f.runs++

	go func() {
		if f.hold != nil {
			<-f.hold
		}
		report := metadata.NewReport(time.Now())
		f.mu.Lock()
		f.last = report
		f.running = false
		f.mu.Unlock()
		done(report, nil)
		if f.ran != nil {
			close(f.ran)
		}
	}()
	return nil
}

func (f *fakeBackend) LastRun() (*metadata.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last, nil
}

func (f *fakeBackend) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeBackend) NextRun() *time.Time { return f.next }

func newTestServer(backend *fakeBackend) *Server {
	cfg := config.DefaultConfig()
	cfg.Directory = "/srv/backups"
	cfg.Retention = "days=7"
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("backup_retention_runs_total 1\n"))
	})
	return New(cfg, backend, metrics, zap.NewNop())
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealthAndReady(t *testing.T) {
	srv := newTestServer(&fakeBackend{running: true})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode(t, rec)["status"])

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["running"])
}

func TestStatus_NoRunsYet(t *testing.T) {
	srv := newTestServer(&fakeBackend{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	body := decode(t, rec)
	assert.Equal(t, "no_runs_yet", body["status"])
	assert.Nil(t, body["last_run"])
	assert.Equal(t, "/srv/backups", body["directory"])
	assert.Equal(t, "days=7", body["retention"])
	assert.NotContains(t, body, "next_run")
}

func TestStatus_LastRun(t *testing.T) {
	next := time.Date(2024, time.June, 16, 0, 30, 0, 0, time.UTC)
	last := metadata.NewReport(time.Now())
	last.Matched = 12
	srv := newTestServer(&fakeBackend{last: last, next: &next})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	body := decode(t, rec)
	assert.Equal(t, "2024-06-16T00:30:00Z", body["next_run"])
	lastRun, ok := body["last_run"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, last.RunID, lastRun["run_id"])
	assert.Equal(t, 12.0, lastRun["matched"])
}

func TestRun(t *testing.T) {
	backend := &fakeBackend{ran: make(chan struct{})}
	srv := newTestServer(backend)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/run", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "accepted", decode(t, rec)["status"])

	select {
	case <-backend.ran:
	case <-time.After(5 * time.Second):
		t.Fatal("run was not triggered")
	}
}

func TestRun_Conflict(t *testing.T) {
	backend := &fakeBackend{running: true}
	srv := newTestServer(backend)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/run", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, 0, backend.runs)
}

func TestRun_ConcurrentRequestsStartOneRun(t *testing.T) {
	backend := &fakeBackend{hold: make(chan struct{}), ran: make(chan struct{})}
	srv := newTestServer(backend)

	const requests = 10
	codes := make(chan int, requests)
	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/run", nil))
			codes <- rec.Code
		}()
	}
	wg.Wait()
	close(codes)

	counts := map[int]int{}
	for code := range codes {
		counts[code]++
	}
	assert.Equal(t, map[int]int{http.StatusAccepted: 1, http.StatusConflict: requests - 1}, counts)

	close(backend.hold)
	select {
	case <-backend.ran:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, 1, backend.runs)
}

func TestRun_StartFails(t *testing.T) {
	srv := newTestServer(&fakeBackend{startErr: errors.New("boom")})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/run", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRun_MethodNotAllowed(t *testing.T) {
	srv := newTestServer(&fakeBackend{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/run", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMetricsAndRoot(t *testing.T) {
	srv := newTestServer(&fakeBackend{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "backup_retention_runs_total")

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decode(t, rec), "endpoints")

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
