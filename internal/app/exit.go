package app

import "newsup/internal/upload"

// Process exit codes.
const (
	ExitOK = 0
	// ExitUsage: bad flags, unreadable or invalid config, missing inputs.
	ExitUsage = 1
	// ExitIncomplete: the run finished but some articles were skipped,
	// failed or abandoned.
	ExitIncomplete = 32
	// ExitAborted: the run was aborted (error budget, authentication,
	// cancellation) or failed to start.
	ExitAborted = 33
)

// ExitCode maps a run outcome to the process exit code.
func ExitCode(res upload.Result, err error) int {
	switch {
	case err != nil || res.Aborted:
		return ExitAborted
	case !res.Clean():
		return ExitIncomplete
	default:
		return ExitOK
	}
}
