// Package player launches mpv for a playback session.
package player

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"walker-yt/internal/config"
	"walker-yt/internal/logging"
	"walker-yt/internal/models"
	"walker-yt/internal/process"
)

// Prober is the media inspection the launcher needs.
type Prober interface {
	Duration(ctx context.Context, path string) (time.Duration, error)
	AudioStreams(ctx context.Context, path string) (int, error)
}

// Launcher starts the player. Players are never tracked for shutdown; closing
// the launcher leaves a running player alone.
type Launcher struct {
	binary string
	ytdlp  string
	sync   config.Sync
	prober Prober
	logger logrus.FieldLogger
}

// NewLauncher builds a launcher from the resolved configuration.
func NewLauncher(cfg config.Config, prober Prober, logger logrus.FieldLogger) *Launcher {
	return &Launcher{
		binary: cfg.Binaries.Player,
		ytdlp:  cfg.Binaries.YtDlp,
		sync:   cfg.Sync,
		prober: prober,
		logger: logging.Component(logger, "player"),
	}
}

// Prepare fills in the stem offset of a synced session from the durations of
// the source audio and the stem. Other modes are returned unchanged.
func (l *Launcher) Prepare(ctx context.Context, s models.PlaybackSession) models.PlaybackSession {
	if s.Mode != models.ModeSyncedStems || s.StartOffset != 0 {
		return s
	}

	var source, stem time.Duration
	if l.sync.Method == config.SyncMeasured && l.prober != nil && s.SourceAudioPath != "" {
		var err error
		if source, err = l.prober.Duration(ctx, s.SourceAudioPath); err != nil {
			l.logger.Warnf("source duration: %v", err)
		}
		if stem, err = l.prober.Duration(ctx, s.AudioPath); err != nil {
			l.logger.Warnf("stem duration: %v", err)
		}
	}

	s.StartOffset = ComputeOffset(source, stem, l.sync)
	l.logger.WithFields(logrus.Fields{
		"source": source,
		"stem":   stem,
		"offset": s.StartOffset,
		"method": l.sync.Method,
	}).Info("computed stem offset")
	return s
}

// Launch validates the session, spawns the player and returns once it is
// running. The player is reaped in the background.
func (l *Launcher) Launch(ctx context.Context, s models.PlaybackSession) error {
	if _, err := exec.LookPath(l.binary); err != nil {
		return &models.PlayerLaunchError{Binary: l.binary, Err: err}
	}
	if s.VideoPath == "" && s.AudioPath == "" {
		return &models.PlayerLaunchError{Binary: l.binary, Err: fmt.Errorf("session %s has nothing to play", s.ID)}
	}
	for _, path := range []string{s.VideoPath, s.AudioPath} {
		if path == "" || isURL(path) {
			continue
		}
		f, err := os.Open(path)
		if err != nil {
			return &models.PlayerLaunchError{Binary: l.binary, Path: path, Err: err}
		}
		f.Close()
	}

	s = l.Prepare(ctx, s)

	internalAudio := 0
	if s.Mode == models.ModeSyncedStems && !isURL(s.VideoPath) && l.prober != nil {
		n, err := l.prober.AudioStreams(ctx, s.VideoPath)
		if err != nil {
			l.logger.Warnf("counting audio streams of %s: %v, assuming video only", s.VideoPath, err)
		} else {
			internalAudio = n
		}
	}

	args := l.Args(s, internalAudio)
	log := l.logger.WithFields(logrus.Fields{"session": s.ID, "mode": s.Mode})
	log.Infof("%s %s", l.binary, strings.Join(args, " "))

	handle, err := process.Spawn(l.binary, args, process.Options{})
	if err != nil {
		return &models.PlayerLaunchError{Binary: l.binary, Err: err}
	}

	go func() {
		if err := handle.Wait(); err != nil {
			log.Warnf("player exited: %v", err)
			return
		}
		log.Info("player exited")
	}()
	return nil
}

// Args builds the player command line. internalAudio is the number of audio
// streams inside a local video file; the external stem is selected after them
// so the original audio stays muted.
func (l *Launcher) Args(s models.PlaybackSession, internalAudio int) []string {
	args := []string{"--force-window"}
	if l.ytdlp != "" {
		args = append(args, "--script-opts=ytdl_hook-ytdl_path="+l.ytdlp)
	}
	if s.Title != "" {
		args = append(args, "--force-media-title="+s.Title)
	}
	if s.StartPosition > 0 {
		args = append(args, "--start="+seconds(s.StartPosition))
	}

	var target string
	switch s.Mode {
	case models.ModeKeepVocals, models.ModeKeepMusic:
		args = append(args, "--no-video")
		target = s.AudioPath

	case models.ModeAudioOnly:
		args = append(args, "--no-video")
		target = s.AudioPath
		if target == "" {
			target = s.VideoPath
			args = append(args, "--ytdl-format=bestaudio/best")
		}

	case models.ModeSyncedStems:
		target = s.VideoPath
		if isURL(target) && s.VideoFormat != "" {
			args = append(args, "--ytdl-format="+s.VideoFormat)
		}
		args = append(args,
			"--audio-file="+s.AudioPath,
			"--aid="+strconv.Itoa(internalAudio+1),
		)
		if s.StartOffset != 0 {
			args = append(args, "--audio-delay="+seconds(s.StartOffset))
		}
		args = append(args, l.subtitleArgs(s)...)

	default:
		target = s.VideoPath
		if isURL(target) {
			if s.VideoFormat != "" {
				args = append(args, "--ytdl-format="+s.VideoFormat)
			}
		} else if s.AudioPath != "" && s.AudioPath != s.VideoPath {
			args = append(args, "--audio-file="+s.AudioPath)
		}
		args = append(args, l.subtitleArgs(s)...)
	}

	return append(args, target)
}

func (l *Launcher) subtitleArgs(s models.PlaybackSession) []string {
	if s.Subtitle == "" {
		return nil
	}
	return []string{"--slang=" + s.Subtitle}
}

func isURL(path string) bool {
	return strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}
