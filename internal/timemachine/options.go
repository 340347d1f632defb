package timemachine

import (
	"chronotable/internal/config"
	"chronotable/internal/logger"
	"log/slog"
	"time"
)

// Options configure one TimeMachine instance. Ordering and storage policy
// are per machine, not process-wide, so independent tables with different
// policies coexist in one process.
type Options struct {
	// DedupeUnchangedSamples drops a write whose value matches the key's
	// immediately preceding stored value. Queries still resolve through
	// the earlier entry.
	DedupeUnchangedSamples bool

	// StrictMonotonicTime rejects any write behind the global watermark.
	// When false, only writes behind the same key's last timestamp are
	// rejected.
	StrictMonotonicTime bool

	// RetentionHorizon is a compaction hint for the external retention
	// process. The machine itself keeps full history; zero means no
	// horizon.
	RetentionHorizon time.Duration

	// Logger receives debug/warn events. Defaults to the zerolog-backed
	// logger when nil.
	Logger *slog.Logger
}

// DefaultOptions match the config file defaults: dedupe on, strict
// global ordering.
func DefaultOptions() Options {
	return Options{
		DedupeUnchangedSamples: true,
		StrictMonotonicTime:    true,
	}
}

// OptionsFromConfig builds Options from the loaded config file. Panics if
// config.LoadConfig has not run.
func OptionsFromConfig() Options {
	return Options{
		DedupeUnchangedSamples: config.Config.DedupeUnchangedSamples,
		StrictMonotonicTime:    config.Config.StrictMonotonicTime,
		RetentionHorizon:       time.Duration(config.Config.RetentionHorizonMs) * time.Millisecond,
		Logger:                 logger.New(),
	}
}
