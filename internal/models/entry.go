package models

import "time"

// CacheEntry records the cached artifacts of one media identifier.
type CacheEntry struct {
	ID               MediaID   `json:"id"`
	Title            string    `json:"title,omitempty"`
	AudioPath        string    `json:"audio_path,omitempty"`
	VideoPath        string    `json:"video_path,omitempty"`
	VocalsPath       string    `json:"vocals_path,omitempty"`
	InstrumentalPath string    `json:"instrumental_path,omitempty"`
	DurationSeconds  *float64  `json:"duration_seconds,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	LastAccessedAt   time.Time `json:"last_accessed_at"`
}

// HasStems reports whether both separated stems are recorded.
func (e CacheEntry) HasStems() bool {
	return e.VocalsPath != "" && e.InstrumentalPath != ""
}

// StemPath returns the recorded path of the given stem.
func (e CacheEntry) StemPath(stem Stem) string {
	switch stem {
	case StemVocals:
		return e.VocalsPath
	case StemInstrumental:
		return e.InstrumentalPath
	}
	return ""
}
