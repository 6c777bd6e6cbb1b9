package host

import (
	"os"
	"syscall"
)

// signalTerm returns the graceful-shutdown signal sent to a managed plugin
// before the kill sequence escalates to SIGKILL.
func signalTerm() os.Signal {
	return syscall.SIGTERM
}
