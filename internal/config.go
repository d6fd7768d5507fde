package internal

import (
	"strconv"
	"sync/atomic"
)

// Program name, used for the logger prefix, XDG subdirectories and the
// daemon socket.
const Name = "pyslim"

var (
	quiet   atomic.Bool // Only warnings and errors are logged.
	debug   atomic.Bool // Debug records are logged.
	verbose atomic.Bool // Records carry timestamps and caller information.
)

// Seeds the output modes from the linker flags. Unparseable values leave the
// mode disabled.
func init() {
	seed := []struct {
		raw  string
		mode *atomic.Bool
	}{
		{rawQuiet, &quiet},
		{rawDebug, &debug},
		{rawVerbose, &verbose},
	}
	for _, s := range seed {
		if v, err := strconv.ParseBool(s.raw); err == nil {
			s.mode.Store(v)
		}
	}
}

// Enables or disables quiet mode.
func SetQuiet(enabled bool) { quiet.Store(enabled) }

// Returns true if quiet mode is enabled.
func IsQuiet() bool { return quiet.Load() }

// Enables or disables debug mode.
func SetDebug(enabled bool) { debug.Store(enabled) }

// Returns true if debug mode is enabled.
func IsDebug() bool { return debug.Load() }

// Enables or disables verbose logging.
func SetVerbose(enabled bool) { verbose.Store(enabled) }

// Returns true if verbose logging is enabled.
func IsVerbose() bool { return verbose.Load() }
