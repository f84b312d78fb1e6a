// Package nlog is the runtime's process-wide leveled logger: a thin
// wrapper over the standard library logger with a package-level verbosity
// gate and a handful of Info/Warning/Error helpers that everything else
// in the module calls instead of touching `log` directly.
package nlog

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"
)

// verbosity gate. Level 0 logs always; higher levels are opt-in via
// SetVerbosity.
var verbosity int32

func SetVerbosity(v int) { atomic.StoreInt32(&verbosity, int32(v)) }

// FastV reports whether logging at the given level and module is enabled.
// The module argument is accepted (and ignored beyond presence) so
// module-scoped gating can be added later without touching call sites.
func FastV(level int, _module string) bool {
	return int32(level) <= atomic.LoadInt32(&verbosity)
}

var std = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lmicroseconds)

func Infoln(v ...any)                 { std.Output(2, "I "+fmt.Sprintln(v...)) }
func Infof(format string, v ...any)   { std.Output(2, "I "+fmt.Sprintf(format, v...)+"\n") }
func Warningln(v ...any)              { std.Output(2, "W "+fmt.Sprintln(v...)) }
func Warningf(format string, v ...any) {
	std.Output(2, "W "+fmt.Sprintf(format, v...)+"\n")
}
func Errorln(v ...any)               { std.Output(2, "E "+fmt.Sprintln(v...)) }
func Errorf(format string, v ...any) { std.Output(2, "E "+fmt.Sprintf(format, v...)+"\n") }

// Fatalln logs and terminates the process. Reserved for unrecoverable
// internal invariant failures that must hard-abort the PD.
func Fatalln(v ...any) {
	std.Output(2, "F "+fmt.Sprintln(v...))
	os.Exit(1)
}
