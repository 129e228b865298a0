package rsync

import "amber-go/internal/amber"

// rsync exit codes, from rsync(1).
const (
	exitOK             = 0
	exitProtocol       = 5  // error starting client-server protocol
	exitFileIO         = 10 // error in socket I/O
	exitStreamIO       = 12 // error in rsync protocol data stream
	exitSignal         = 20 // received SIGUSR1 or SIGINT
	exitPartial        = 23 // partial transfer due to error
	exitVanished       = 24 // partial transfer due to vanished source files
	exitTimeout        = 30 // timeout in data send/receive
	exitConnectTimeout = 35 // timeout waiting for daemon connection
	exitKilled         = -1 // terminated by a signal, as reported by os/exec
)

// Classify maps an rsync exit code to an outcome class. cancelled reports
// whether the process was stopped on our request.
func Classify(exitCode int, cancelled bool) amber.ToolOutcome {
	switch exitCode {
	case exitOK:
		return amber.ToolSuccess
	case exitPartial, exitVanished:
		return amber.ToolPartial
	case exitProtocol, exitFileIO, exitStreamIO, exitTimeout, exitConnectTimeout:
		return amber.ToolTransient
	case exitSignal:
		return amber.ToolInterrupted
	case exitKilled:
		if cancelled {
			return amber.ToolInterrupted
		}
		return amber.ToolFatal
	}
	return amber.ToolFatal
}
