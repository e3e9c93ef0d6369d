package link

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/zone-irrigation/internal/testutil"
)

func TestAdminRoutes_SendCommandAPI(t *testing.T) {
	l, sim, _ := newConnectedLink(t)
	sim.SetCounter(17)
	mux := http.NewServeMux()
	l.AttachAdminRoutes(mux)

	tests := []struct {
		name       string
		method     string
		form       url.Values
		wantStatus int
		wantBody   string
	}{
		{name: "counter", method: http.MethodPost, form: url.Values{"command": {"W"}}, wantStatus: http.StatusOK, wantBody: "17.0"},
		{name: "missing command", method: http.MethodPost, form: url.Values{"command": {"  "}}, wantStatus: http.StatusBadRequest, wantBody: "Missing command"},
		{name: "get rejected", method: http.MethodGet, wantStatus: http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testutil.LoopbackRequest(tt.method, "/debug/send-command-api", strings.NewReader(tt.form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			rec := httptest.NewRecorder()

			mux.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantBody != "" {
				assert.Contains(t, rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestAdminRoutes_SessionAndForm(t *testing.T) {
	l, _, _ := newConnectedLink(t)
	mux := http.NewServeMux()
	l.AttachAdminRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, testutil.LoopbackRequest(http.MethodGet, "/debug/link", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var s Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	assert.True(t, s.Connected)
	assert.Equal(t, "simulated", s.Device)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, testutil.LoopbackRequest(http.MethodGet, "/debug/send-command", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "send-command-api")
}
