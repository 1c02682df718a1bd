package models

import "time"

// PlaybackSession describes one player invocation. It is built right before
// launch and never persisted.
type PlaybackSession struct {
	ID    string
	Title string
	Mode  Mode
	// VideoPath is a local file or a URL streamed through the player's ytdl hook.
	VideoPath string
	// AudioPath is the stem for stem modes, otherwise the primary media.
	AudioPath string
	// SourceAudioPath is the unseparated audio, used to measure the sync offset.
	SourceAudioPath string
	// StartOffset shifts the external audio track. Positive values delay it.
	StartOffset   time.Duration
	VideoFormat   string
	Subtitle      string
	StartPosition time.Duration
	Thumbnail     string
}

// HasVideo reports whether the session renders a video track.
func (s PlaybackSession) HasVideo() bool {
	return s.VideoPath != "" && s.Mode != ModeAudioOnly
}
