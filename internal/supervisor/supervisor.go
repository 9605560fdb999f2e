// Package supervisor provides a supervision tree for managing the daemon's
// long-running services (the scan/batch scheduler, the control-plane HTTP
// server, the health reporter).
//
// It wraps github.com/thejerf/suture/v4 for the actual goroutine lifecycle
// (start, automatic restart on return, graceful stop on cancellation) and
// layers per-service status tracking (state, uptime, restart count, last
// error) on top, since suture itself does not expose that bookkeeping.
//
// Example:
//
//	sup := supervisor.New(supervisor.Config{
//	    ShutdownTimeout: 10 * time.Second,
//	})
//
//	sup.Add(schedulerService)
//	sup.Add(controlPlaneService)
//
//	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer cancel()
//
//	if err := sup.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"
)

// Service is the interface that supervised services must implement.
// Implementations should block until the context is cancelled or an error occurs.
type Service interface {
	// Run starts the service. It should block until ctx is cancelled or
	// the service encounters an unrecoverable error.
	Run(ctx context.Context) error

	// Name returns the service's identifier.
	Name() string
}

// ServiceState represents the current state of a supervised service.
type ServiceState int

const (
	ServiceStateIdle     ServiceState = iota // Not started
	ServiceStateRunning                      // Running normally
	ServiceStateStopping                     // Being stopped
	ServiceStateFailed                       // Failed, may restart
	ServiceStateStopped                      // Stopped, terminal
)

func (s ServiceState) String() string {
	switch s {
	case ServiceStateIdle:
		return "idle"
	case ServiceStateRunning:
		return "running"
	case ServiceStateStopping:
		return "stopping"
	case ServiceStateFailed:
		return "failed"
	case ServiceStateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// ServiceStatus contains status information about a supervised service.
type ServiceStatus struct {
	Name      string
	State     ServiceState
	StartTime time.Time
	Uptime    time.Duration
	Restarts  int
	LastError error
}

// Config contains supervisor configuration.
type Config struct {
	// Name identifies this supervisor, used internally by suture for logging.
	Name string

	// ShutdownTimeout is the maximum time to wait for services to stop gracefully.
	// Default: 10 seconds.
	ShutdownTimeout time.Duration

	// RestartDelay is the pause before the first restart of a service that
	// returns from Run. Default: 1 second.
	RestartDelay time.Duration

	// MaxRestartDelay caps the exponential backoff applied to repeated
	// restarts of the same service. Default: 5 minutes.
	MaxRestartDelay time.Duration

	// RestartMultiplier scales RestartDelay after each consecutive failure,
	// up to MaxRestartDelay. Default: 2.0.
	RestartMultiplier float64

	// Logger is optional; if set, supervisor and suture lifecycle events are
	// logged here.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ShutdownTimeout:   10 * time.Second,
		RestartDelay:      1 * time.Second,
		MaxRestartDelay:   5 * time.Minute,
		RestartMultiplier: 2.0,
	}
}

// Supervisor manages a collection of services on top of a suture.Supervisor,
// restarting them on failure and tracking per-service status.
type Supervisor struct {
	cfg    Config
	suture *suture.Supervisor

	mu       sync.RWMutex
	services map[string]*serviceEntry
	running  bool
}

// serviceEntry tracks a single service's lifecycle. The embedded mutex
// guards the mutable fields below since suture runs each service's Serve
// method on its own goroutine, concurrently with Status() reads.
type serviceEntry struct {
	service  Service
	token    suture.ServiceToken
	hasToken bool

	mu        sync.Mutex
	state     ServiceState
	startTime time.Time
	restarts  int
	lastError error
	backoff   time.Duration
}

func (e *serviceEntry) markRunning() {
	e.mu.Lock()
	e.state = ServiceStateRunning
	e.startTime = time.Now()
	e.mu.Unlock()
}

func (e *serviceEntry) markFailed(err error) int {
	e.mu.Lock()
	e.state = ServiceStateFailed
	e.lastError = err
	e.restarts++
	n := e.restarts
	e.mu.Unlock()
	return n
}

func (e *serviceEntry) markStopped() {
	e.mu.Lock()
	e.state = ServiceStateStopped
	e.mu.Unlock()
}

// nextBackoff returns the delay to wait before the upcoming restart and
// advances the stored backoff for next time.
func (e *serviceEntry) nextBackoff(multiplier float64, max time.Duration) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	wait := e.backoff
	next := time.Duration(float64(e.backoff) * multiplier)
	if next > max {
		next = max
	}
	e.backoff = next
	return wait
}

func (e *serviceEntry) resetBackoff(initial time.Duration) {
	e.mu.Lock()
	e.backoff = initial
	e.mu.Unlock()
}

func (e *serviceEntry) snapshot(name string) ServiceStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	var uptime time.Duration
	if !e.startTime.IsZero() && e.state == ServiceStateRunning {
		uptime = time.Since(e.startTime)
	}
	return ServiceStatus{
		Name:      name,
		State:     e.state,
		StartTime: e.startTime,
		Uptime:    uptime,
		Restarts:  e.restarts,
		LastError: e.lastError,
	}
}

// trackedService adapts a Service to suture.Service, recording status
// transitions around each Serve call and applying this package's own
// exponential restart backoff (suture restarts a service whenever Serve
// returns, but has no notion of our per-service RestartDelay/Multiplier).
type trackedService struct {
	sup   *Supervisor
	entry *serviceEntry
}

func (t *trackedService) Serve(ctx context.Context) error {
	t.entry.markRunning()

	err := t.entry.service.Run(ctx)

	if ctx.Err() != nil {
		t.entry.markStopped()
		return ctx.Err()
	}

	n := t.entry.markFailed(err)
	t.sup.logf("service %s failed (restarts=%d): %v", t.entry.service.Name(), n, err)

	wait := t.entry.nextBackoff(t.sup.cfg.RestartMultiplier, t.sup.cfg.MaxRestartDelay)
	select {
	case <-ctx.Done():
		t.entry.markStopped()
		return ctx.Err()
	case <-time.After(wait):
	}

	return err
}

// New creates a new Supervisor with the given configuration.
func New(cfg Config) *Supervisor {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = 1 * time.Second
	}
	if cfg.MaxRestartDelay <= 0 {
		cfg.MaxRestartDelay = 5 * time.Minute
	}
	if cfg.RestartMultiplier <= 0 {
		cfg.RestartMultiplier = 2.0
	}

	name := cfg.Name
	if name == "" {
		name = "supervisor"
	}

	s := &Supervisor{
		cfg:      cfg,
		services: make(map[string]*serviceEntry),
	}

	s.suture = suture.New(name, suture.Config{
		Timeout:   cfg.ShutdownTimeout,
		EventHook: s.sutureEvent,
	})

	return s
}

func (s *Supervisor) sutureEvent(ev suture.Event) {
	s.logf("suture: %v", ev)
}

// logf writes a formatted log message if Logger is configured (slog.Logger
// is itself safe for concurrent use).
func (s *Supervisor) logf(format string, args ...interface{}) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Info(fmt.Sprintf(format, args...))
	}
}

// Add registers a service with the supervisor.
// If the supervisor is already running, the service is started immediately.
// Returns an error if a service with the same name already exists.
func (s *Supervisor) Add(svc Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := svc.Name()
	if _, exists := s.services[name]; exists {
		return fmt.Errorf("service %q already registered", name)
	}

	entry := &serviceEntry{
		service: svc,
		state:   ServiceStateIdle,
		backoff: s.cfg.RestartDelay,
	}
	s.services[name] = entry
	s.logf("added service: %s", name)

	// If already running, start the service immediately
	if s.running {
		s.startService(entry)
	}

	return nil
}

// startService registers entry's adapter with the underlying suture
// supervisor. Callers must hold s.mu.
func (s *Supervisor) startService(entry *serviceEntry) {
	entry.resetBackoff(s.cfg.RestartDelay)
	entry.token = s.suture.Add(&trackedService{sup: s, entry: entry})
	entry.hasToken = true
}

// Remove unregisters and stops a service.
// It uses suture's Remove, which signals the stop and does not wait for the
// service's Run to return.
func (s *Supervisor) Remove(name string) error {
	s.mu.Lock()
	entry, exists := s.services[name]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("service %q not found", name)
	}
	delete(s.services, name)
	hasToken := entry.hasToken
	token := entry.token
	s.mu.Unlock()

	if hasToken {
		if err := s.suture.Remove(token); err != nil {
			return fmt.Errorf("remove service %q: %w", name, err)
		}
	}
	entry.markStopped()

	s.logf("removed service: %s", name)
	return nil
}

// Status returns the current status of all services.
func (s *Supervisor) Status() []ServiceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]ServiceStatus, 0, len(s.services))
	for name, entry := range s.services {
		result = append(result, entry.snapshot(name))
	}
	return result
}

// ServiceCount returns the number of registered services.
func (s *Supervisor) ServiceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.services)
}

// Run starts all registered services and blocks until ctx is cancelled.
// When ctx is cancelled, all services are stopped gracefully (up to
// ShutdownTimeout) by the underlying suture.Supervisor.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("supervisor already running")
	}
	s.running = true

	for _, entry := range s.services {
		s.startService(entry)
	}
	count := len(s.services)
	s.mu.Unlock()

	s.logf("supervisor started with %d services", count)

	err := s.suture.Serve(ctx)

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.logf("supervisor stopped")

	// Context cancellation is the expected shutdown path, not a failure.
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("supervisor stopped with error: %w", err)
	}
	return nil
}
