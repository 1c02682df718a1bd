package player

import (
	"time"

	"walker-yt/internal/config"
)

// ComputeOffset returns how far the stem must be delayed against the source
// so both reach the same content at the same time. Positive values delay the
// stem.
//
// The measured method assumes the model trims its processing latency from the
// start of the stem, so a stem shorter than its source by L plays L late. It
// falls back to the configured model latency when a duration is unknown or
// the difference is implausibly large.
func ComputeOffset(source, stem time.Duration, cfg config.Sync) time.Duration {
	if cfg.Method != config.SyncMeasured || source <= 0 || stem <= 0 {
		return cfg.ModelLatency
	}

	diff := (source - stem).Round(time.Millisecond)
	limit := cfg.MaxMeasuredOffset
	if limit > 0 && (diff > limit || diff < -limit) {
		return cfg.ModelLatency
	}
	return diff
}
