package health

import "context"

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusError    = "error"
)

// Check is the outcome of one dependency probe. Probe failures are captured
// here, never propagated.
type Check struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Report aggregates all probes into one readiness verdict.
type Report struct {
	Status string           `json:"status"`
	Checks map[string]Check `json:"checks"`
}

// Pinger is a reachability probe for one dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker composes the store and queue probes. The store is a hard
// dependency (error when down); the queue degrades the service but admission
// reads still work.
type Checker struct {
	store Pinger
	queue Pinger
}

func NewChecker(store, queue Pinger) *Checker {
	return &Checker{store: store, queue: queue}
}

// Ready runs both probes independently and classifies the overall status:
// error if the store is unreachable, degraded if only the queue is, ok
// otherwise.
func (c *Checker) Ready(ctx context.Context) Report {
	storeCheck := Check{Status: StatusOK}
	if err := c.store.Ping(ctx); err != nil {
		storeCheck = Check{Status: StatusError, Detail: err.Error()}
	}

	queueCheck := Check{Status: StatusOK}
	if err := c.queue.Ping(ctx); err != nil {
		queueCheck = Check{Status: StatusDegraded, Detail: err.Error()}
	}

	overall := StatusOK
	switch {
	case storeCheck.Status == StatusError:
		overall = StatusError
	case queueCheck.Status == StatusDegraded:
		overall = StatusDegraded
	}

	return Report{
		Status: overall,
		Checks: map[string]Check{
			"store": storeCheck,
			"queue": queueCheck,
		},
	}
}
