package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCheckAggregatesStatuses(t *testing.T) {
	hc := NewHealthChecker()
	hc.RegisterCheck(PingCheck())

	resp := hc.Check(context.Background())
	if resp.Status != HealthStatusHealthy {
		t.Fatalf("expected healthy, got %s", resp.Status)
	}
	if _, ok := resp.Checks["ping"]; !ok {
		t.Fatal("expected ping check in response")
	}

	hc.RegisterCheck(&HealthCheck{
		Name:      "flaky",
		CheckFunc: func(ctx context.Context) error { return errors.New("boom") },
		Critical:  false,
	})
	resp = hc.Check(context.Background())
	if resp.Status != HealthStatusDegraded {
		t.Fatalf("expected degraded, got %s", resp.Status)
	}

	hc.RegisterCheck(StoreCheck(func(ctx context.Context) error { return errors.New("down") }))
	resp = hc.Check(context.Background())
	if resp.Status != HealthStatusUnhealthy {
		t.Fatalf("expected unhealthy, got %s", resp.Status)
	}
}

func TestCheckTimesOut(t *testing.T) {
	hc := NewHealthChecker()
	hc.RegisterCheck(&HealthCheck{
		Name: "slow",
		CheckFunc: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Timeout:  10 * time.Millisecond,
		Critical: true,
	})

	resp := hc.Check(context.Background())
	if resp.Status != HealthStatusUnhealthy {
		t.Fatalf("expected unhealthy on timeout, got %s", resp.Status)
	}
}

func TestHealthHandlerStatusCodes(t *testing.T) {
	hc := NewHealthChecker()
	hc.RegisterCheck(PingCheck())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	hc.HealthHandler()(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	hc.RegisterCheck(StoreCheck(func(ctx context.Context) error { return errors.New("down") }))
	rec = httptest.NewRecorder()
	hc.HealthHandler()(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestReadinessHandler(t *testing.T) {
	hc := NewHealthChecker()
	hc.RegisterCheck(&HealthCheck{
		Name:      "degraded",
		CheckFunc: func(ctx context.Context) error { return errors.New("meh") },
		Critical:  false,
	})

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec := httptest.NewRecorder()
	hc.ReadinessHandler()(rec, req)
	// Degraded is live but not ready.
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	LivenessHandler()(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
