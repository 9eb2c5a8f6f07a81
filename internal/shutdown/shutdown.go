// Package shutdown coordinates daemon termination. Any component may
// request a shutdown with a cause; only the first request wins, and a
// watchdog guarantees the process dies even if cleanup wedges.
package shutdown

import (
	"log/slog"
	"os"
	"sync"
	"time"
)

// Cause names why the daemon is going down. It is logged and reported,
// never interpreted.
type Cause string

const (
	CauseSignal            Cause = "signal"
	CauseAPIRequest        Cause = "api-request"
	CauseSelfUpdate        Cause = "self-update"
	CauseExecutableMissing Cause = "executable-missing"
	CauseHeartbeatFailure  Cause = "heartbeat-failure"
	CauseLockLost          Cause = "lock-lost"
)

// DefaultWatchdog is how long cleanup may run before the process is
// force-exited.
const DefaultWatchdog = 15 * time.Second

// Coordinator is a single-use shutdown latch.
type Coordinator struct {
	once     sync.Once
	done     chan struct{}
	watchdog time.Duration
	log      *slog.Logger
	exit     func(code int)

	mu    sync.Mutex
	cause Cause
}

func New(watchdog time.Duration, log *slog.Logger) *Coordinator {
	if watchdog <= 0 {
		watchdog = DefaultWatchdog
	}
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		done:     make(chan struct{}),
		watchdog: watchdog,
		log:      log,
		exit:     os.Exit,
	}
}

// Request starts shutdown with the given cause. Later requests are ignored;
// the first one also arms the watchdog.
func (c *Coordinator) Request(cause Cause) {
	c.once.Do(func() {
		c.mu.Lock()
		c.cause = cause
		c.mu.Unlock()
		c.log.Info("shutdown requested", "cause", string(cause))
		close(c.done)

		go func() {
			time.Sleep(c.watchdog)
			c.log.Error("cleanup exceeded watchdog, forcing exit", "cause", string(cause))
			c.exit(1)
		}()
	})
}

// Done is closed once shutdown has been requested.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Cause returns the winning cause, empty before any request.
func (c *Coordinator) Cause() Cause {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// Requested reports whether shutdown has started.
func (c *Coordinator) Requested() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
