package sysep

import "sync/atomic"

// ignoreResetReason mirrors the original implementation's process-wide
// ignore_reset_reason flag (spec §4.5 / §9): surrounding code sets it to
// true immediately before a RESET it already knows the cause of (e.g. one
// it requested itself) so that the upcoming unsolicited PROP_LAST_STATUS
// carrying the reset reason is not treated as a surprise. The system
// endpoint core only clears it; ownership of setting it belongs to the
// caller.
var ignoreResetReason atomic.Bool

// SetIgnoreResetReason sets or clears the process-wide ignore-reset-reason
// flag. Callers outside this package own when to set it; the core clears
// it itself on every RESET final (see Engine's onFinal handling).
func SetIgnoreResetReason(ignore bool) {
	ignoreResetReason.Store(ignore)
}

// IgnoreResetReason reports the current value of the flag.
func IgnoreResetReason() bool {
	return ignoreResetReason.Load()
}
