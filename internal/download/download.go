// Package download wraps yt-dlp for searching, fetching media into the cache
// and listing subtitles.
package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"github.com/sirupsen/logrus"

	"walker-yt/internal/logging"
	"walker-yt/internal/models"
)

const (
	searchTemplate = "%(title)s\t%(channel)s\t%(id)s\t%(thumbnail)s"
	resultTemplate = "after_move:%(filepath)s\t%(title)s\t%(duration)s"

	audioFormat = "bestaudio[ext=m4a]/bestaudio"
	videoFormat = "bestvideo"
)

// Kind selects which stream a download fetches.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// SearchResult is one hit of a search.
type SearchResult struct {
	ID        models.MediaID
	Title     string
	Channel   string
	Thumbnail string
}

// Label is the line shown in the picker.
func (r SearchResult) Label() string {
	if r.Channel == "" {
		return r.Title
	}
	return fmt.Sprintf("%s (%s)", r.Title, r.Channel)
}

// Request describes one download.
type Request struct {
	ID models.MediaID
	// OutputDir receives <kind>.<ext>.
	OutputDir string
	Kind      Kind
	// Format overrides the yt-dlp format selector.
	Format string
	// AudioCodec, for audio downloads, extracts the stream to this codec
	// (mp3, opus, ...) instead of keeping the downloaded container.
	AudioCodec string
	// Progress, when set, receives download percentages.
	Progress func(percent int)
}

// Result describes a finished download.
type Result struct {
	Path     string
	Title    string
	Duration time.Duration
}

// Subtitle is one available subtitle track.
type Subtitle struct {
	Code string
	Name string
	Auto bool
}

// Label is the line shown in the picker.
func (s Subtitle) Label() string {
	if s.Auto {
		return fmt.Sprintf("%s (%s, auto)", s.Name, s.Code)
	}
	return fmt.Sprintf("%s (%s)", s.Name, s.Code)
}

// Client runs yt-dlp.
type Client struct {
	ytdlp      string
	thumbnails string
	logger     logrus.FieldLogger
}

// NewClient returns a client using the given yt-dlp executable and the
// thumbnail fetcher (curl compatible).
func NewClient(ytdlpPath, thumbnails string, logger logrus.FieldLogger) *Client {
	return &Client{ytdlp: ytdlpPath, thumbnails: thumbnails, logger: logging.Component(logger, "download")}
}

func (c *Client) command() *ytdlp.Command {
	cmd := ytdlp.New().NoWarnings().IgnoreConfig()
	if c.ytdlp != "" {
		cmd.SetExecutable(c.ytdlp)
	}
	return cmd
}

// Search returns up to n results for query.
func (c *Client) Search(ctx context.Context, query string, n int) ([]SearchResult, error) {
	if n <= 0 {
		n = 10
	}

	res, err := c.command().
		NoPlaylist().
		Print(searchTemplate).
		Run(ctx, fmt.Sprintf("ytsearch%d:%s", n, query))
	if err != nil {
		return nil, &models.DownloadError{Ref: query, Err: err}
	}

	results := parseSearch(res.Stdout)
	c.logger.WithField("query", query).Infof("%d search results", len(results))
	return results, nil
}

func parseSearch(out string) []SearchResult {
	var results []SearchResult
	for _, line := range strings.Split(out, "\n") {
		parts := strings.Split(strings.TrimRight(line, "\r"), "\t")
		if len(parts) < 4 {
			continue
		}
		id := models.MediaID(strings.TrimSpace(parts[2]))
		if !id.Valid() {
			continue
		}
		results = append(results, SearchResult{
			ID:        id,
			Title:     strings.TrimSpace(parts[0]),
			Channel:   strings.TrimSpace(parts[1]),
			Thumbnail: strings.TrimSpace(parts[3]),
		})
	}
	return results
}

// Download fetches one stream of req.ID into req.OutputDir.
func (c *Client) Download(ctx context.Context, req Request) (Result, error) {
	format := req.Format
	if format == "" {
		format = audioFormat
		if req.Kind == KindVideo {
			format = videoFormat
		}
	}
	kind := req.Kind
	if kind == "" {
		kind = KindAudio
	}

	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return Result{}, &models.DownloadError{Ref: req.ID.String(), Err: err}
	}

	cmd := c.command().
		NoPlaylist().
		ForceOverwrites().
		Format(format).
		Output(filepath.Join(req.OutputDir, string(kind)+".%(ext)s")).
		Print(resultTemplate)
	if kind == KindAudio && req.AudioCodec != "" {
		cmd.ExtractAudio().AudioFormat(req.AudioCodec)
	}

	if req.Progress != nil {
		cmd.ProgressFunc(500*time.Millisecond, func(update ytdlp.ProgressUpdate) {
			req.Progress(percent(update.Percent()))
		})
	}

	log := c.logger.WithFields(logrus.Fields{"media_id": req.ID, "kind": kind, "format": format})
	log.Info("downloading")

	res, err := cmd.Run(ctx, req.ID.URL())
	if err != nil {
		return Result{}, &models.DownloadError{Ref: req.ID.String(), Err: err}
	}

	result, ok := parseResult(res.Stdout)
	if !ok {
		return Result{}, &models.DownloadError{Ref: req.ID.String(), Err: errors.New("yt-dlp reported no output file")}
	}
	if _, err := os.Stat(result.Path); err != nil {
		return Result{}, &models.DownloadError{Ref: req.ID.String(), Err: err}
	}

	log.WithField("path", result.Path).Info("download finished")
	return result, nil
}

// parseResult reads the last line printed by resultTemplate.
func parseResult(out string) (Result, bool) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		parts := strings.Split(strings.TrimRight(lines[i], "\r"), "\t")
		if len(parts) != 3 || !filepath.IsAbs(parts[0]) {
			continue
		}
		result := Result{Path: parts[0], Title: parts[1]}
		if result.Title == "NA" {
			result.Title = ""
		}
		if secs, err := strconv.ParseFloat(parts[2], 64); err == nil && secs > 0 {
			result.Duration = time.Duration(secs * float64(time.Second))
		}
		return result, true
	}
	return Result{}, false
}

func percent(p float64) int {
	switch {
	case math.IsNaN(p) || p < 0:
		return 0
	case p > 100:
		return 100
	}
	return int(p)
}

// Subtitles lists the subtitle tracks of id, manual ones first.
func (c *Client) Subtitles(ctx context.Context, id models.MediaID) ([]Subtitle, error) {
	res, err := c.command().ListSubs().Run(ctx, id.URL())
	if err != nil {
		return nil, &models.DownloadError{Ref: id.String(), Err: err}
	}
	return parseSubtitles(res.Stdout), nil
}

func parseSubtitles(out string) []Subtitle {
	var manual, auto []Subtitle
	seen := make(map[string]bool)

	var section *[]Subtitle
	isAuto := false
	inTable := false

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.Contains(line, "Available automatic captions"):
			section, isAuto, inTable = &auto, true, false
			continue
		case strings.Contains(line, "Available subtitles"):
			section, isAuto, inTable = &manual, false, false
			continue
		case strings.HasPrefix(line, "Language") && strings.Contains(line, "Formats"):
			inTable = section != nil
			continue
		case strings.HasPrefix(line, "["):
			inTable = false
			continue
		}
		if !inTable || strings.TrimSpace(line) == "" {
			continue
		}

		sub, ok := parseSubtitleRow(line)
		if !ok {
			continue
		}
		key := sub.Code
		if isAuto {
			key = "auto:" + key
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		sub.Auto = isAuto
		*section = append(*section, sub)
	}

	return append(manual, auto...)
}

// parseSubtitleRow splits "en-GB   English (United Kingdom) vtt, ttml" into
// code and name. The name may contain spaces, so the trailing format list is
// stripped token by token.
func parseSubtitleRow(line string) (Subtitle, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return Subtitle{}, false
	}

	code, name := fields[0], fields[1:]
	for len(name) > 0 && isFormat(name[len(name)-1]) {
		name = name[:len(name)-1]
	}
	if len(name) == 0 {
		return Subtitle{Code: code, Name: code}, true
	}
	return Subtitle{Code: code, Name: strings.Join(name, " ")}, true
}

func isFormat(token string) bool {
	switch strings.TrimSuffix(token, ",") {
	case "vtt", "ttml", "srv1", "srv2", "srv3", "json3", "srt", "ass", "lrc":
		return true
	}
	return false
}

// Thumbnail fetches url into dst unless it already exists.
func (c *Client) Thumbnail(ctx context.Context, url, dst string) (string, error) {
	if url == "" || url == "NA" {
		return "", nil
	}
	if _, err := os.Stat(dst); err == nil {
		return dst, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}

	tmp := dst + ".part"
	// #nosec G204 - the binary comes from configuration.
	cmd := exec.CommandContext(ctx, c.thumbnails, "-s", "-L", "--fail", url, "-o", tmp)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("fetch thumbnail: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if err := os.Rename(tmp, dst); err != nil {
		return "", err
	}
	return dst, nil
}
