package mutex

import (
	"fmt"
	"strings"
	"time"

	"github.com/distlock/redisync/identity"
)

// ConfigurationError signals a Mutex or Context was misconfigured: no
// Context (Setup never ran), a non-positive lease duration, or an
// unknown handler kind.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("redisync: configuration error: %s", e.Reason)
}

// DeadlockError is raised when an owner attempts to acquire a name it
// already holds, per the core spec's trivial deadlock detection
// (invariant 3). It does not detect cycles across multiple owners.
type DeadlockError struct {
	Names []string
	Owner identity.Owner
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("redisync: deadlock: owner %s already holds %s", e.Owner, strings.Join(e.Names, ", "))
}

// TimeoutError is raised by Synchronize and Sleep when acquisition or
// reacquisition does not complete within the effective block timeout.
type TimeoutError struct {
	Op      string
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("redisync: %s timed out after %s", e.Op, e.Elapsed)
}
