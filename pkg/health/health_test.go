package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// fakeSessionState implements SessionState for testing.
type fakeSessionState struct {
	connected  bool
	sessions   int64
	heartbeats int64
}

func (f *fakeSessionState) Connected() bool   { return f.connected }
func (f *fakeSessionState) Sessions() int64   { return f.sessions }
func (f *fakeSessionState) Heartbeats() int64 { return f.heartbeats }

func TestSessionCheck_Name(t *testing.T) {
	check := NewSessionCheck(&fakeSessionState{})

	if check.Name() != "control_plane_session" {
		t.Errorf("expected name 'control_plane_session', got '%s'", check.Name())
	}
}

func TestSessionCheck_Healthy(t *testing.T) {
	check := NewSessionCheck(&fakeSessionState{connected: true, sessions: 2, heartbeats: 40})

	result := check.CheckDetailed(context.Background())

	if result.Status != StatusHealthy {
		t.Errorf("expected status healthy, got %s", result.Status)
	}
	if result.Details["sessions"] != "2" {
		t.Errorf("expected sessions=2, got %s", result.Details["sessions"])
	}
	if result.Details["heartbeats"] != "40" {
		t.Errorf("expected heartbeats=40, got %s", result.Details["heartbeats"])
	}
}

func TestSessionCheck_Unhealthy(t *testing.T) {
	check := NewSessionCheck(&fakeSessionState{connected: false, sessions: 3})

	result := check.CheckDetailed(context.Background())

	if result.Status != StatusUnhealthy {
		t.Errorf("expected status unhealthy, got %s", result.Status)
	}
}

func TestSessionCheck_Degraded(t *testing.T) {
	check := NewSessionCheck(&fakeSessionState{connected: true, sessions: 12}, WithMaxSessionsThreshold(10))

	result := check.CheckDetailed(context.Background())

	if result.Status != StatusDegraded {
		t.Errorf("expected status degraded, got %s", result.Status)
	}
}

func TestSessionCheck_ThresholdDisabled(t *testing.T) {
	check := NewSessionCheck(&fakeSessionState{connected: true, sessions: 5000}, WithMaxSessionsThreshold(0))

	result := check.CheckDetailed(context.Background())

	if result.Status != StatusHealthy {
		t.Errorf("expected status healthy with threshold disabled, got %s", result.Status)
	}
}

func TestHandler(t *testing.T) {
	tests := []struct {
		name     string
		state    *fakeSessionState
		wantCode int
		want     Status
	}{
		{"healthy", &fakeSessionState{connected: true, sessions: 1}, http.StatusOK, StatusHealthy},
		{"degraded", &fakeSessionState{connected: true, sessions: 500}, http.StatusOK, StatusDegraded},
		{"unhealthy", &fakeSessionState{}, http.StatusServiceUnavailable, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			Handler(NewSessionCheck(tt.state)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("expected code %d, got %d", tt.wantCode, rec.Code)
			}

			var report Report
			if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if report.Status != tt.want {
				t.Errorf("expected status %s, got %s", tt.want, report.Status)
			}
			if len(report.Checks) != 1 {
				t.Errorf("expected 1 check, got %d", len(report.Checks))
			}
		})
	}
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

func TestPingCheck(t *testing.T) {
	ok := NewPingCheck("object_storage", pingerFunc(func(context.Context) error { return nil }))
	if got := ok.CheckDetailed(context.Background()).Status; got != StatusHealthy {
		t.Errorf("expected status healthy, got %s", got)
	}

	down := NewPingCheck("object_storage", pingerFunc(func(context.Context) error { return errors.New("connection refused") }))
	result := down.CheckDetailed(context.Background())
	if result.Status != StatusDegraded {
		t.Errorf("expected status degraded, got %s", result.Status)
	}
	if result.Message != "connection refused" {
		t.Errorf("expected message 'connection refused', got '%s'", result.Message)
	}
}

func TestHandler_DegradedBackendKeepsServing(t *testing.T) {
	session := NewSessionCheck(&fakeSessionState{connected: true, sessions: 1})
	storage := NewPingCheck("object_storage", pingerFunc(func(context.Context) error { return errors.New("timeout") }))

	rec := httptest.NewRecorder()
	Handler(session, storage).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected code 200, got %d", rec.Code)
	}
	var report Report
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Status != StatusDegraded {
		t.Errorf("expected status degraded, got %s", report.Status)
	}
}
