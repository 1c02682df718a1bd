package models

import "fmt"

// DownloadError reports a failed search or download.
type DownloadError struct {
	Ref string
	Err error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s: %v", e.Ref, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// SeparationError reports a nonzero demucs exit or missing stem files.
type SeparationError struct {
	MediaID  MediaID
	ExitCode int
	// Detail is the tail of the process's error output.
	Detail string
	Err    error
}

func (e *SeparationError) Error() string {
	msg := fmt.Sprintf("separation of %s failed", e.MediaID)
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" (exit %d)", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SeparationError) Unwrap() error { return e.Err }

// CacheIOError reports a filesystem or index failure inside the cache.
type CacheIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *CacheIOError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *CacheIOError) Unwrap() error { return e.Err }

// PlayerLaunchError reports that the player could not be started.
type PlayerLaunchError struct {
	Binary string
	Path   string
	Err    error
}

func (e *PlayerLaunchError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("launch %s with %s: %v", e.Binary, e.Path, e.Err)
	}
	return fmt.Sprintf("launch %s: %v", e.Binary, e.Err)
}

func (e *PlayerLaunchError) Unwrap() error { return e.Err }
