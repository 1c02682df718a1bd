// Package metadata reads durations, titles and stream layout of cached media.
package metadata

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dhowden/tag"
	"github.com/sirupsen/logrus"
	"github.com/tcolgate/mp3"

	"walker-yt/internal/logging"
)

// ErrUnknownDuration is returned when no reader could determine a duration.
var ErrUnknownDuration = errors.New("duration unknown")

// Info describes a media file. Zero values mean unknown.
type Info struct {
	Title        string
	Duration     time.Duration
	AudioStreams int
	VideoStreams int
}

// Prober inspects media files, preferring ffprobe and falling back to the
// container readers built in for mp3, wav and tagged files.
type Prober struct {
	ffprobe string
	logger  logrus.FieldLogger
}

// NewProber returns a prober using the given ffprobe binary. An empty binary
// disables ffprobe.
func NewProber(ffprobe string, logger logrus.FieldLogger) *Prober {
	return &Prober{ffprobe: ffprobe, logger: logging.Component(logger, "metadata")}
}

// Inspect returns what can be learned about path.
func (p *Prober) Inspect(ctx context.Context, path string) (Info, error) {
	if _, err := os.Stat(path); err != nil {
		return Info{}, err
	}

	if p.ffprobe != "" {
		info, err := p.probe(ctx, path)
		if err == nil {
			if info.Title == "" {
				info.Title = readTitle(path)
			}
			return info, nil
		}
		p.logger.Debugf("ffprobe %s: %v", path, err)
	}

	info := Info{Title: readTitle(path)}
	if dur, err := fileDuration(path); err == nil {
		info.Duration = dur
	}
	return info, nil
}

// Duration returns the playing time of path or ErrUnknownDuration.
func (p *Prober) Duration(ctx context.Context, path string) (time.Duration, error) {
	info, err := p.Inspect(ctx, path)
	if err != nil {
		return 0, err
	}
	if info.Duration <= 0 {
		return 0, fmt.Errorf("%s: %w", filepath.Base(path), ErrUnknownDuration)
	}
	return info.Duration, nil
}

// AudioStreams returns the number of audio streams in path. It needs ffprobe.
func (p *Prober) AudioStreams(ctx context.Context, path string) (int, error) {
	if p.ffprobe == "" {
		return 0, errors.New("ffprobe not configured")
	}
	info, err := p.probe(ctx, path)
	if err != nil {
		return 0, err
	}
	return info.AudioStreams, nil
}

type probeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
	} `json:"streams"`
	Format struct {
		Duration string            `json:"duration"`
		Tags     map[string]string `json:"tags"`
	} `json:"format"`
}

func (p *Prober) probe(ctx context.Context, path string) (Info, error) {
	// #nosec G204 - the binary comes from configuration.
	cmd := exec.CommandContext(ctx, p.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration:format_tags=title:stream=codec_type",
		"-of", "json",
		path,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return Info{}, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return parseProbe(out)
}

func parseProbe(data []byte) (Info, error) {
	var raw probeOutput
	if err := json.Unmarshal(data, &raw); err != nil {
		return Info{}, fmt.Errorf("decode ffprobe output: %w", err)
	}

	var info Info
	for _, s := range raw.Streams {
		switch s.CodecType {
		case "audio":
			info.AudioStreams++
		case "video":
			info.VideoStreams++
		}
	}
	if secs, err := strconv.ParseFloat(strings.TrimSpace(raw.Format.Duration), 64); err == nil && secs > 0 {
		info.Duration = seconds(secs)
	}
	for key, value := range raw.Format.Tags {
		if strings.EqualFold(key, "title") {
			info.Title = strings.TrimSpace(value)
		}
	}
	return info, nil
}

func fileDuration(path string) (time.Duration, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		secs, err := computeMP3Duration(path)
		if err != nil {
			return 0, err
		}
		if secs <= 0 {
			return 0, ErrUnknownDuration
		}
		return seconds(secs), nil
	case ".wav":
		return wavDuration(path)
	}
	return 0, ErrUnknownDuration
}

func readTitle(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	meta, err := tag.ReadFrom(f)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(meta.Title())
}

func computeMP3Duration(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	decoder := mp3.NewDecoder(f)
	var frame mp3.Frame
	var skipped int
	var total float64

	for {
		err := decoder.Decode(&frame, &skipped)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return 0, err
		}
		total += frame.Duration().Seconds()
	}

	return total, nil
}

// wavDuration reads the fmt and data chunks of a RIFF/WAVE file, which is
// what the separation model writes.
func wavDuration(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var header [12]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		return 0, ErrUnknownDuration
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return 0, ErrUnknownDuration
	}

	var byteRate uint32
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(f, chunk[:]); err != nil {
			return 0, ErrUnknownDuration
		}
		id := string(chunk[0:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])

		switch id {
		case "fmt ":
			body := make([]byte, size)
			if _, err := io.ReadFull(f, body); err != nil || size < 12 {
				return 0, ErrUnknownDuration
			}
			byteRate = binary.LittleEndian.Uint32(body[8:12])
		case "data":
			if byteRate == 0 {
				return 0, ErrUnknownDuration
			}
			return seconds(float64(size) / float64(byteRate)), nil
		default:
			if _, err := f.Seek(int64(size)+int64(size%2), io.SeekCurrent); err != nil {
				return 0, ErrUnknownDuration
			}
		}
		if id == "fmt " && size%2 == 1 {
			if _, err := f.Seek(1, io.SeekCurrent); err != nil {
				return 0, ErrUnknownDuration
			}
		}
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}
