//go:build !unix

package visibility

import "os"

var resumeSignals []os.Signal
