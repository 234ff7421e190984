package repositories

import (
	"context"
	"errors"
	"sync"
	"time"
)

const defaultProbeTimeout = 1500 * time.Millisecond

// DependencyCheck is one dependency probe evaluated during readiness checks.
type DependencyCheck struct {
	Name    string
	Timeout time.Duration
	Check   func(context.Context) error
}

type dependencyHealthRepository struct {
	checks         []DependencyCheck
	defaultTimeout time.Duration
	now            func() time.Time
}

// DependencyHealthOption customises the dependency health repository.
type DependencyHealthOption func(*dependencyHealthRepository)

// WithProbeTimeout overrides the timeout for checks that omit their own.
func WithProbeTimeout(timeout time.Duration) DependencyHealthOption {
	return func(r *dependencyHealthRepository) {
		if timeout > 0 {
			r.defaultTimeout = timeout
		}
	}
}

// WithHealthClock injects a time source for tests.
func WithHealthClock(clock func() time.Time) DependencyHealthOption {
	return func(r *dependencyHealthRepository) {
		if clock != nil {
			r.now = clock
		}
	}
}

// NewDependencyHealthRepository constructs a HealthRepository that runs the
// provided probes concurrently.
func NewDependencyHealthRepository(checks []DependencyCheck, opts ...DependencyHealthOption) (HealthRepository, error) {
	if len(checks) == 0 {
		return nil, errors.New("health repository: at least one dependency check is required")
	}
	for _, check := range checks {
		if check.Name == "" || check.Check == nil {
			return nil, errors.New("health repository: every check needs a name and a func")
		}
	}

	repo := &dependencyHealthRepository{
		checks:         append([]DependencyCheck(nil), checks...),
		defaultTimeout: defaultProbeTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(repo)
	}
	return repo, nil
}

// Collect implements HealthRepository.
func (r *dependencyHealthRepository) Collect(ctx context.Context) (HealthReport, error) {
	results := make(map[string]HealthCheckResult, len(r.checks))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	for _, check := range r.checks {
		check := check
		wg.Add(1)
		go func() {
			defer wg.Done()

			timeout := check.Timeout
			if timeout <= 0 {
				timeout = r.defaultTimeout
			}
			checkCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := r.now()
			err := check.Check(checkCtx)
			end := r.now()

			result := HealthCheckResult{
				Status:    HealthStatusOK,
				Latency:   end.Sub(start),
				CheckedAt: end,
			}
			switch {
			case err == nil:
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				result.Status = HealthStatusError
				result.Error = err.Error()
			default:
				result.Status = HealthStatusDegraded
				result.Error = err.Error()
			}

			mu.Lock()
			results[check.Name] = result
			mu.Unlock()
		}()
	}
	wg.Wait()

	overall := HealthStatusOK
	for _, result := range results {
		if result.Status == HealthStatusError {
			overall = HealthStatusError
			break
		}
		if result.Status == HealthStatusDegraded {
			overall = HealthStatusDegraded
		}
	}

	return HealthReport{
		Status:      overall,
		Checks:      results,
		GeneratedAt: r.now(),
	}, nil
}
