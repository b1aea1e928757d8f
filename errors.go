package fabricmon

import (
	"errors"
	"fmt"
)

// ErrNotRunning is returned by operations that need an active
// monitoring session when monitoring is stopped.
var ErrNotRunning = errors.New("fabric link monitoring is not running")

// ErrPortNotMonitored is returned when a port has no monitoring state
// in the current session.
type ErrPortNotMonitored struct {
	Port PortID
}

func (e ErrPortNotMonitored) Error() string {
	return fmt.Sprintf("port %d is not monitored", e.Port)
}

// ErrSessionNotFound is returned when a session id is not in the
// session history.
type ErrSessionNotFound struct {
	ID string
}

func (e ErrSessionNotFound) Error() string {
	return fmt.Sprintf("session %s not found", e.ID)
}
