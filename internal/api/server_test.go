package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/zone-irrigation/internal/irrigation"
	"github.com/banshee-data/zone-irrigation/internal/monitoring"
	"github.com/banshee-data/zone-irrigation/internal/runstate"
	"github.com/banshee-data/zone-irrigation/internal/testutil"
)

type fakeController struct {
	mu      sync.Mutex
	started []float64
	stops   int
	running bool
	open    []int
	counter int64
	gpm     float64
}

func (f *fakeController) Start(hours float64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !(hours > 0) {
		return false
	}
	f.started = append(f.started, hours)
	f.running = true
	return true
}

func (f *fakeController) Stop() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	was := f.running
	f.running = false
	return was
}

func (f *fakeController) Status() irrigation.Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return irrigation.Report{State: irrigation.StateStarting, Message: irrigation.MessageStarting}
	}
	return irrigation.Report{State: irrigation.StateOff, Message: irrigation.MessageOff}
}

func (f *fakeController) OpenValveNumbers() []int { return f.open }
func (f *fakeController) WaterCounter() int64     { return f.counter }
func (f *fakeController) FlowRateGPM() float64    { return f.gpm }
func (f *fakeController) IsPumpRequested() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

type fakeEvents struct {
	events []runstate.Event
	err    error
	limit  int
}

func (f *fakeEvents) RunEvents(limit int) ([]runstate.Event, error) {
	f.limit = limit
	return f.events, f.err
}

func newTestServer(ctl *fakeController, events EventLog) http.Handler {
	return NewServer(ctl, []int{1, 2, 3}, events, monitoring.NewMetrics()).ServeMux()
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestStatus(t *testing.T) {
	h := newTestServer(&fakeController{}, nil)

	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got map[string]interface{}
	decode(t, rec, &got)
	assert.Equal(t, "OFF", got["status"])
	assert.Equal(t, "OFF", got["message"])
	assert.Equal(t, float64(0), got["percent"])
}

func TestStart_Form(t *testing.T) {
	ctl := &fakeController{}
	h := newTestServer(ctl, nil)

	req := httptest.NewRequest(http.MethodPost, "/start", strings.NewReader(url.Values{"hours": {"1.5"}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := do(t, h, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []float64{1.5}, ctl.started)

	var got struct {
		Success bool              `json:"success"`
		Status  irrigation.Report `json:"status"`
	}
	decode(t, rec, &got)
	assert.True(t, got.Success)
	assert.Equal(t, irrigation.StateStarting, got.Status.State)
}

func TestStart_Multipart(t *testing.T) {
	ctl := &fakeController{}
	h := newTestServer(ctl, nil)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("hours", "2"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/start", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := do(t, h, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []float64{2}, ctl.started)
}

func TestStart_JSON(t *testing.T) {
	ctl := &fakeController{}
	h := newTestServer(ctl, nil)

	req := httptest.NewRequest(http.MethodPost, "/start", strings.NewReader(`{"hours": 0.25}`))
	req.Header.Set("Content-Type", "application/json")
	rec := do(t, h, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []float64{0.25}, ctl.started)
}

func TestStart_Rejects(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		wantErr     string
	}{
		{"missing", "application/x-www-form-urlencoded", "", "missing hours"},
		{"not a number", "application/x-www-form-urlencoded", "hours=lots", "hours must be a number"},
		{"zero", "application/x-www-form-urlencoded", "hours=0", "positive"},
		{"negative", "application/x-www-form-urlencoded", "hours=-2", "positive"},
		{"nan", "application/x-www-form-urlencoded", "hours=NaN", "positive"},
		{"too long", "application/x-www-form-urlencoded", "hours=3000000", "at most 168"},
		{"infinite", "application/x-www-form-urlencoded", "hours=Inf", "at most 168"},
		{"json too long", "application/json", `{"hours": 169}`, "at most 168"},
		{"bad json", "application/json", "{", "invalid JSON"},
		{"json missing", "application/json", "{}", "missing hours"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctl := &fakeController{}
			h := newTestServer(ctl, nil)

			req := httptest.NewRequest(http.MethodPost, "/start", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.contentType)
			rec := do(t, h, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var got map[string]string
			decode(t, rec, &got)
			assert.Contains(t, got["error"], tt.wantErr)
			assert.Empty(t, ctl.started)
		})
	}
}

func TestStop(t *testing.T) {
	ctl := &fakeController{running: true}
	h := newTestServer(ctl, nil)

	rec := do(t, h, httptest.NewRequest(http.MethodPost, "/stop", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]bool
	decode(t, rec, &got)
	assert.Equal(t, map[string]bool{"success": true, "stopped": true}, got)

	rec = do(t, h, httptest.NewRequest(http.MethodPost, "/stop", nil))
	decode(t, rec, &got)
	assert.False(t, got["stopped"])
	assert.Equal(t, 2, ctl.stops)
}

func TestMethodNotAllowed(t *testing.T) {
	h := newTestServer(&fakeController{}, nil)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/start"},
		{http.MethodGet, "/stop"},
		{http.MethodPost, "/status"},
		{http.MethodPost, "/valves"},
		{http.MethodDelete, "/counter"},
	} {
		rec := do(t, h, httptest.NewRequest(tc.method, tc.path, nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, "%s %s", tc.method, tc.path)
	}
}

func TestValves(t *testing.T) {
	h := newTestServer(&fakeController{open: []int{2, 3}}, nil)

	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/valves", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]bool
	decode(t, rec, &got)
	assert.Equal(t, map[string]bool{"1": false, "2": true, "3": true}, got)
}

func TestCounterFlowAndPump(t *testing.T) {
	h := newTestServer(&fakeController{counter: 1234, gpm: 7.5, running: true}, nil)

	var counter map[string]int64
	decode(t, do(t, h, httptest.NewRequest(http.MethodGet, "/counter", nil)), &counter)
	assert.Equal(t, int64(1234), counter["counter"])

	var gpm map[string]float64
	decode(t, do(t, h, httptest.NewRequest(http.MethodGet, "/gpm", nil)), &gpm)
	assert.Equal(t, 7.5, gpm["gpm"])

	var pump map[string]bool
	decode(t, do(t, h, httptest.NewRequest(http.MethodGet, "/pump", nil)), &pump)
	assert.True(t, pump["pump"])
}

func TestEvents(t *testing.T) {
	at := time.Date(2026, 5, 1, 6, 0, 0, 0, time.UTC)
	events := &fakeEvents{events: []runstate.Event{{RunID: "r1", Kind: runstate.EventStart, At: at}}}
	h := newTestServer(&fakeController{}, events)

	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/events?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, events.limit)
	var got []runstate.Event
	decode(t, rec, &got)
	require.Len(t, got, 1)
	assert.Equal(t, runstate.EventStart, got[0].Kind)

	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/events?limit=0", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	events.err = errors.New("disk gone")
	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/events", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 50, events.limit)
}

func TestEvents_NotConfigured(t *testing.T) {
	h := newTestServer(&fakeController{}, nil)
	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/events", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEvents_EmptyIsArray(t *testing.T) {
	h := newTestServer(&fakeController{}, &fakeEvents{})
	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/events", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestVersionAndMetrics(t *testing.T) {
	h := newTestServer(&fakeController{}, nil)

	var got map[string]string
	decode(t, do(t, h, httptest.NewRequest(http.MethodGet, "/api/version", nil)), &got)
	assert.Equal(t, "dev", got["version"])

	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "irrigation_")
}

func TestLoggingMiddleware(t *testing.T) {
	logs := testutil.CaptureLogs(t)

	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/status?x=1", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	require.Len(t, logs.Lines(), 1)
	assert.Contains(t, logs.Lines()[0], "/status?x=1")
}

func TestStatusCodeColor(t *testing.T) {
	assert.Contains(t, statusCodeColor(200), "200")
	assert.Contains(t, statusCodeColor(301), colorYellow)
	assert.Contains(t, statusCodeColor(404), colorBoldRed)
	assert.Contains(t, statusCodeColor(503), colorBoldRed)
	assert.Equal(t, "100", statusCodeColor(100))
}

func TestStatusPage(t *testing.T) {
	h := newTestServer(&fakeController{}, nil)

	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "status-txt")

	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/static/app.js", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/status")

	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
