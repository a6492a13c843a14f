package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Closer is anything the gateway tears down on exit: the status server,
// the topology root, the time-series collector.
type Closer interface {
	Close() error
}

// HookFunc runs during shutdown with the remaining time budget.
type HookFunc func(ctx context.Context) error

// Shutdown order. Lower runs first.
const (
	PriorityStatusServer = 10 // stop serving status requests
	PriorityTopology     = 20 // coordinator, workers, pools, connections
	PriorityCollectors   = 30 // time-series sampling
	PriorityFlush        = 90 // final log and metrics flush
)

// step is one registered component or hook.
type step struct {
	name     string
	priority int
	hook     HookFunc
	closer   Closer
}

func (s step) run(ctx context.Context) error {
	if s.hook != nil {
		return s.hook(ctx)
	}
	return s.closer.Close()
}

// Coordinator runs the registered steps in priority order when the process
// receives a signal or TriggerShutdown is called.
type Coordinator struct {
	timeout time.Duration
	logger  zerolog.Logger

	mu    sync.Mutex
	steps []step

	runOnce     sync.Once
	triggerOnce sync.Once
	doneCh      chan struct{}
}

// New creates a shutdown coordinator with an overall time budget.
func New(timeout time.Duration, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		timeout: timeout,
		logger:  logger.With().Str("component", "shutdown").Logger(),
		doneCh:  make(chan struct{}),
	}
}

// Register adds a component closed at the given priority.
func (c *Coordinator) Register(name string, component Closer, priority int) {
	c.add(step{name: name, priority: priority, closer: component})
}

// RegisterHook adds a function run at the given priority. Hooks run before
// components registered at the same priority.
func (c *Coordinator) RegisterHook(name string, hook HookFunc, priority int) {
	c.add(step{name: name, priority: priority, hook: hook})
}

func (c *Coordinator) add(s step) {
	c.mu.Lock()
	c.steps = append(c.steps, s)
	c.mu.Unlock()

	c.logger.Debug().
		Str("name", s.name).
		Int("priority", s.priority).
		Bool("hook", s.hook != nil).
		Msg("Registered for shutdown")
}

// ordered returns a copy of the steps sorted by priority, hooks first.
func (c *Coordinator) ordered() []step {
	c.mu.Lock()
	steps := make([]step, len(c.steps))
	copy(steps, c.steps)
	c.mu.Unlock()

	sort.SliceStable(steps, func(i, j int) bool {
		if steps[i].priority != steps[j].priority {
			return steps[i].priority < steps[j].priority
		}
		return steps[i].hook != nil && steps[j].hook == nil
	})
	return steps
}

// WaitForSignal blocks until SIGINT, SIGTERM or SIGQUIT arrives, or until
// shutdown is triggered programmatically.
func (c *Coordinator) WaitForSignal() os.Signal {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		c.logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		return sig
	case <-c.doneCh:
		return syscall.SIGTERM
	}
}

// Done is closed once shutdown has been triggered.
func (c *Coordinator) Done() <-chan struct{} { return c.doneCh }

// Shutdown runs every step once. Steps that fail are logged and the first
// error is returned; when the budget runs out the remaining steps are skipped.
func (c *Coordinator) Shutdown() error {
	var firstErr error

	c.runOnce.Do(func() {
		c.triggerOnce.Do(func() { close(c.doneCh) })

		steps := c.ordered()
		c.logger.Info().
			Dur("timeout", c.timeout).
			Int("steps", len(steps)).
			Msg("Starting graceful shutdown")

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		start := time.Now()

		for _, s := range steps {
			if ctx.Err() != nil {
				c.logger.Warn().Str("name", s.name).Msg("Shutdown timeout reached, skipping remaining steps")
				firstErr = ctx.Err()
				return
			}

			t := time.Now()
			if err := s.run(ctx); err != nil {
				c.logger.Error().Err(err).Str("name", s.name).Msg("Shutdown step failed")
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			c.logger.Debug().Str("name", s.name).Dur("elapsed", time.Since(t)).Msg("Shutdown step complete")
		}

		c.logger.Info().Dur("duration", time.Since(start)).Msg("Graceful shutdown complete")
	})

	return firstErr
}

// TriggerShutdown wakes WaitForSignal. Safe from any goroutine.
func (c *Coordinator) TriggerShutdown() {
	c.triggerOnce.Do(func() {
		c.logger.Info().Msg("Programmatic shutdown triggered")
		close(c.doneCh)
	})
}
