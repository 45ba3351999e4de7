package monitoring

import (
	"context"
	"sync"
	"time"
)

// Overall and per-check health states.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusDown     = "down"
)

type probe struct {
	name     string
	fn       func(ctx context.Context) error
	timeout  time.Duration
	optional bool
}

// CheckResult is the outcome of one probe.
type CheckResult struct {
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency"`
}

// HealthReport is served by the relay's /health endpoint. A failing required
// probe takes the relay down; a failing optional one only degrades it.
type HealthReport struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

func (r HealthReport) Healthy() bool { return r.Status != StatusDown }

type HealthChecker struct {
	mu     sync.RWMutex
	probes []probe
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

// AddCheck registers a probe the relay cannot serve without, such as the hub
// backend.
func (h *HealthChecker) AddCheck(name string, fn func(ctx context.Context) error, timeout time.Duration) {
	h.add(probe{name: name, fn: fn, timeout: timeout})
}

// AddOptionalCheck registers a probe whose failure degrades the report.
func (h *HealthChecker) AddOptionalCheck(name string, fn func(ctx context.Context) error, timeout time.Duration) {
	h.add(probe{name: name, fn: fn, timeout: timeout, optional: true})
}

func (h *HealthChecker) add(p probe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes = append(h.probes, p)
}

// CheckAll runs every probe concurrently under its own timeout.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthReport {
	h.mu.RLock()
	probes := append([]probe(nil), h.probes...)
	h.mu.RUnlock()

	results := make([]CheckResult, len(probes))
	var wg sync.WaitGroup
	for i := range probes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = run(ctx, probes[i])
		}(i)
	}
	wg.Wait()

	report := HealthReport{
		Status:    StatusOK,
		Timestamp: time.Now().UTC(),
		Checks:    make(map[string]CheckResult, len(probes)),
	}
	for i, p := range probes {
		res := results[i]
		report.Checks[p.name] = res
		switch {
		case res.Status == StatusOK:
		case p.optional:
			if report.Status == StatusOK {
				report.Status = StatusDegraded
			}
		default:
			report.Status = StatusDown
		}
	}
	return report
}

func run(ctx context.Context, p probe) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	err := p.fn(ctx)
	res := CheckResult{Status: StatusOK, Latency: time.Since(start).Round(time.Microsecond).String()}
	if err != nil {
		res.Status = StatusDown
		res.Error = err.Error()
	}
	return res
}
