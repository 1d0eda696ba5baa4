//go:build unix

package visibility

import (
	"os"
	"syscall"
)

var resumeSignals = []os.Signal{syscall.SIGCONT}
