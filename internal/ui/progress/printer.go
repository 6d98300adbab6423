package progress

// Printer decouples commands from any particular output surface, so the
// same prune/check/repair logic can run against an interactive terminal, a
// JSON stream, or silently in tests.
type Printer interface {
	// NewCounter returns a progress counter for a long running operation,
	// described by description (e.g. "packs processed").
	NewCounter(description string) *Counter
	// NewCounterTerminalOnly is like NewCounter, but returns nil when the
	// printer has no interactive terminal to draw a bar on.
	NewCounterTerminalOnly(description string) *Counter

	// E prints an error-level message, always shown regardless of
	// verbosity.
	E(msg string, args ...interface{})
	// S prints a message that is part of the operation's primary output,
	// not just diagnostic noise (e.g. a line of `restic diff`).
	S(msg string, args ...interface{})
	// P prints a normal, always-shown status message.
	P(msg string, args ...interface{})
	// PT is like P, but only printed to an interactive terminal.
	PT(msg string, args ...interface{})
	// V prints a message only shown at verbosity level 1 and above.
	V(msg string, args ...interface{})
	// VV prints a message only shown at verbosity level 2 and above.
	VV(msg string, args ...interface{})
}

// NoopPrinter discards everything. It is used by tests that exercise
// progress-reporting code paths without caring about their output.
type NoopPrinter struct{}

func (*NoopPrinter) NewCounter(_ string) *Counter             { return nil }
func (*NoopPrinter) NewCounterTerminalOnly(_ string) *Counter { return nil }
func (*NoopPrinter) E(_ string, _ ...interface{})             {}
func (*NoopPrinter) S(_ string, _ ...interface{})             {}
func (*NoopPrinter) P(_ string, _ ...interface{})             {}
func (*NoopPrinter) PT(_ string, _ ...interface{})            {}
func (*NoopPrinter) V(_ string, _ ...interface{})             {}
func (*NoopPrinter) VV(_ string, _ ...interface{})            {}
