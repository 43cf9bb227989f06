package system

import (
	"context"
	"runtime"
	"runtime/pprof"
	"time"

	"github.com/alejoacosta74/busrelay/internal/logger"
)

// Snapshot is a point-in-time view of the process runtime.
type Snapshot struct {
	AllocMB     uint64
	SysMB       uint64
	HeapInuseMB uint64
	NumGC       uint32
	GCPause     time.Duration
	Goroutines  int
	Threads     int
	Connections int
}

// StatsReporter periodically logs a runtime Snapshot. Connections, when set,
// reports the number of open relay connections alongside it.
type StatsReporter struct {
	interval    time.Duration
	connections func() int
	logger      *logger.Logger
	done        chan struct{}
}

func NewStatsReporter(interval time.Duration, connections func() int) *StatsReporter {
	return &StatsReporter{
		interval:    interval,
		connections: connections,
		logger:      logger.WithField("component", "system_stats"),
		done:        make(chan struct{}),
	}
}

// Start logs a snapshot immediately and then once per interval until ctx is
// done. A non-positive interval returns at once.
func (s *StatsReporter) Start(ctx context.Context) {
	defer close(s.done)
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.log()
		}
	}
}

func (s *StatsReporter) Done() <-chan struct{} {
	return s.done
}

// Take reads the current runtime statistics.
func (s *StatsReporter) Take() Snapshot {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	snap := Snapshot{
		AllocMB:     bToMb(m.Alloc),
		SysMB:       bToMb(m.Sys),
		HeapInuseMB: bToMb(m.HeapInuse),
		NumGC:       m.NumGC,
		GCPause:     time.Duration(m.PauseTotalNs),
		Goroutines:  runtime.NumGoroutine(),
		Threads:     pprof.Lookup("threadcreate").Count(),
	}
	if s.connections != nil {
		snap.Connections = s.connections()
	}
	return snap
}

func (s *StatsReporter) log() {
	snap := s.Take()
	s.logger.WithFields(logger.Fields{
		"alloc_mb":      snap.AllocMB,
		"sys_mb":        snap.SysMB,
		"heap_inuse_mb": snap.HeapInuseMB,
		"num_gc":        snap.NumGC,
		"gc_pause":      snap.GCPause,
		"goroutines":    snap.Goroutines,
		"threads":       snap.Threads,
		"connections":   snap.Connections,
	}).Info("Runtime stats")
}

func bToMb(b uint64) uint64 {
	return b / 1024 / 1024
}
