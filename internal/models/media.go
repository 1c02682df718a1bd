package models

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MediaID is the stable cache key derived from a video's source reference.
type MediaID string

var (
	bareIDPattern = regexp.MustCompile(`^[\w-]{11}$`)
	urlPatterns   = []*regexp.Regexp{
		regexp.MustCompile(`^(?:https?://)?(?:www\.|m\.|music\.)?youtube\.com/watch\?(?:.*&)?v=([\w-]{11})(?:[&#].*)?$`),
		regexp.MustCompile(`^(?:https?://)?(?:www\.)?youtu\.be/([\w-]{11})(?:[?#].*)?$`),
		regexp.MustCompile(`^(?:https?://)?(?:www\.)?youtube\.com/shorts/([\w-]{11})(?:[?#].*)?$`),
	}
)

// ErrInvalidReference is returned when a reference does not identify a single video.
var ErrInvalidReference = errors.New("reference is not a youtube video url or id")

// ParseMediaID extracts the video id from a watch, short or youtu.be URL, or
// accepts an 11 character id as is.
func ParseMediaID(ref string) (MediaID, error) {
	ref = strings.TrimSpace(ref)
	if bareIDPattern.MatchString(ref) {
		return MediaID(ref), nil
	}
	for _, pattern := range urlPatterns {
		if match := pattern.FindStringSubmatch(ref); len(match) > 1 {
			return MediaID(match[1]), nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidReference, ref)
}

// Valid reports whether the id has the shape of a youtube video id. Only valid
// ids are used as directory names.
func (id MediaID) Valid() bool {
	return bareIDPattern.MatchString(string(id))
}

func (id MediaID) String() string {
	return string(id)
}

// URL returns the canonical watch URL for the id.
func (id MediaID) URL() string {
	return "https://www.youtube.com/watch?v=" + string(id)
}

// Stem is one isolated component produced by source separation.
type Stem string

const (
	StemVocals       Stem = "vocals"
	StemInstrumental Stem = "instrumental"
)

// ParseStem accepts the stem names and the short forms used on the command line.
func ParseStem(value string) (Stem, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "v", "vocal", "vocals":
		return StemVocals, nil
	case "i", "instrumental", "music", "no_vocals":
		return StemInstrumental, nil
	}
	return "", fmt.Errorf("unknown stem %q", value)
}

// Mode is the playback mode selected by the user.
type Mode string

const (
	ModeVideo       Mode = "video"
	ModeAudioOnly   Mode = "audio"
	ModeKeepVocals  Mode = "vocals"
	ModeKeepMusic   Mode = "music"
	ModeSyncedStems Mode = "synced"
)

// Modes lists every playback mode in menu order.
func Modes() []Mode {
	return []Mode{ModeVideo, ModeAudioOnly, ModeKeepVocals, ModeKeepMusic, ModeSyncedStems}
}

// ParseMode resolves a mode name.
func ParseMode(value string) (Mode, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(value)))
	for _, m := range Modes() {
		if m == mode {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown mode %q", value)
}

// NeedsStems reports whether the mode plays a separated stem.
func (m Mode) NeedsStems() bool {
	return m == ModeKeepVocals || m == ModeKeepMusic || m == ModeSyncedStems
}

// NeedsVideo reports whether the mode needs a local video file in the cache.
func (m Mode) NeedsVideo() bool {
	return m == ModeSyncedStems
}

// StemFor returns the stem played by the mode. For SyncedStems the caller's
// choice wins and defaults to vocals.
func (m Mode) StemFor(choice Stem) Stem {
	switch m {
	case ModeKeepVocals:
		return StemVocals
	case ModeKeepMusic:
		return StemInstrumental
	case ModeSyncedStems:
		if choice == "" {
			return StemVocals
		}
		return choice
	}
	return ""
}
