package sysep

// FatalError reports a protocol invariant violation between this PRIMARY
// and its paired SECONDARY implementation — an unrecognised command id in a
// final, a final carrying a command the PRIMARY itself sends, or an
// unrecognised property id in an unsolicited frame (spec §7: "Protocol
// violation... fatal, aborts the process. Rationale: these indicate a bug
// in one of the two peers; continuing would mask corruption.").
//
// sysep never calls os.Exit itself; it panics with a *FatalError. cmd/cpcd
// installs no recover for it: the panic unwinds the event-loop goroutine
// and the Go runtime ends the process with a non-zero exit status, printing
// the error and a stack trace to stderr rather than a structured log record.
type FatalError struct {
	Reason string
}

func (e *FatalError) Error() string {
	return "sysep: fatal: " + e.Reason
}
