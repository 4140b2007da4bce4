// Package obslog wraps structured logging construction for the
// coordinator, executor, and recovery: github.com/go-logr/logr with
// its bundled funcr formatter, writing to stderr by default with
// structured key/value fields instead of printf strings.
package obslog

import (
	"io"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
)

// Options configures the default logger.
type Options struct {
	// Writer defaults to os.Stderr.
	Writer io.Writer
	// Verbosity is the funcr V-level threshold; 0 is info-only.
	Verbosity int
	// JSON selects structured JSON lines instead of funcr's default
	// human-readable key=value format.
	JSON bool
}

// New builds a logr.Logger for component name (e.g. "coordinator",
// "executor", "recovery"), tagging every line with that name so
// multiplexed output stays attributable.
func New(component string, opts Options) logr.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	fopts := funcr.Options{
		LogCaller:    funcr.None,
		Verbosity:    opts.Verbosity,
		RenderBuiltinsHook: func(kvs []any) []any { return kvs },
	}
	var base logr.Logger
	if opts.JSON {
		base = funcr.NewJSON(func(obj string) { _, _ = io.WriteString(w, obj+"\n") }, fopts)
	} else {
		base = funcr.New(func(prefix, args string) {
			if prefix != "" {
				_, _ = io.WriteString(w, prefix+" "+args+"\n")
			} else {
				_, _ = io.WriteString(w, args+"\n")
			}
		}, fopts)
	}
	return base.WithName(component)
}

// Discard returns a logger that drops everything, used by tests and
// by any caller that has not configured logging.
func Discard() logr.Logger {
	return logr.Discard()
}
