package system

import (
	"runtime"
	"runtime/debug"

	"github.com/alejoacosta74/busrelay/internal/logger"
)

// Settings holds process-wide runtime configuration. Zero values leave the
// corresponding runtime default untouched.
type Settings struct {
	MaxProcs    int
	GCPercent   int
	MemoryLimit int // in MB
	logger      *logger.Logger
}

// DefaultSettings returns settings that change nothing.
func DefaultSettings() *Settings {
	return &Settings{
		logger: logger.WithField("component", "system_settings"),
	}
}

// Apply configures the runtime.
func (s *Settings) Apply() {
	s.logger.Debug("Applying system settings...")

	if s.MaxProcs > 0 {
		runtime.GOMAXPROCS(s.MaxProcs)
		s.logger.Infof("GOMAXPROCS set to %d", s.MaxProcs)
	}

	if s.GCPercent != 0 {
		debug.SetGCPercent(s.GCPercent)
		s.logger.Infof("GC percent set to %d", s.GCPercent)
	}

	if s.MemoryLimit > 0 {
		debug.SetMemoryLimit(int64(s.MemoryLimit) * 1024 * 1024)
		s.logger.Infof("Memory limit set to %dMB", s.MemoryLimit)
	}
}

// WithMaxProcs sets the maximum number of CPUs to use
func (s *Settings) WithMaxProcs(n int) *Settings {
	s.MaxProcs = n
	return s
}

// WithGCPercent sets the GC target percentage
func (s *Settings) WithGCPercent(percent int) *Settings {
	s.GCPercent = percent
	return s
}

// WithMemoryLimit sets the soft memory limit in MB
func (s *Settings) WithMemoryLimit(mb int) *Settings {
	s.MemoryLimit = mb
	return s
}
