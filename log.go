package backtrace

import (
	"os"

	"github.com/rs/zerolog"
)

// logger is the library's diagnostic output. It is disabled by default:
// a crash-reporting library must not chat on stderr during normal
// operation. Set BACKTRACE_DEBUG, or call SetLogger, to see what the
// resolver and symbolizers are doing. The signal path never logs.
var logger = zerolog.Nop()

func init() {
	if os.Getenv("BACKTRACE_DEBUG") != "" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Str("component", "backtrace").Logger()
	}
}

// SetLogger routes the library's diagnostics to l.
func SetLogger(l zerolog.Logger) {
	logger = l
}
