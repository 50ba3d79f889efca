package health

import (
	"context"
	"errors"
	"testing"
)

type fakePinger struct {
	err error
}

func (p fakePinger) Ping(ctx context.Context) error { return p.err }

func TestReadyAllHealthy(t *testing.T) {
	c := NewChecker(fakePinger{}, fakePinger{})
	report := c.Ready(context.Background())

	if report.Status != StatusOK {
		t.Fatalf("expected ok, got %s", report.Status)
	}
	if report.Checks["store"].Status != StatusOK || report.Checks["queue"].Status != StatusOK {
		t.Fatalf("unexpected checks: %+v", report.Checks)
	}
}

func TestReadyQueueDownIsDegraded(t *testing.T) {
	c := NewChecker(fakePinger{}, fakePinger{err: errors.New("broker unreachable")})
	report := c.Ready(context.Background())

	if report.Status != StatusDegraded {
		t.Fatalf("expected degraded, got %s", report.Status)
	}
	if report.Checks["queue"].Detail == "" {
		t.Fatalf("queue detail should carry the probe failure")
	}
}

func TestReadyStoreDownIsError(t *testing.T) {
	// Store down dominates even when the queue is also down.
	c := NewChecker(fakePinger{err: errors.New("db down")}, fakePinger{err: errors.New("broker down")})
	report := c.Ready(context.Background())

	if report.Status != StatusError {
		t.Fatalf("expected error, got %s", report.Status)
	}
	if report.Checks["store"].Status != StatusError {
		t.Fatalf("store check should be error: %+v", report.Checks["store"])
	}
}
