// Package orchestrator drives one user request from a media reference to a
// running player: cache lookup, download, separation and launch.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"walker-yt/internal/cache"
	"walker-yt/internal/download"
	"walker-yt/internal/logging"
	"walker-yt/internal/metadata"
	"walker-yt/internal/models"
	"walker-yt/internal/notify"
	"walker-yt/internal/picker"
	"walker-yt/internal/progress"
	"walker-yt/internal/separation"
)

// State is a step of a request.
type State string

const (
	StateIdle        State = "idle"
	StateResolving   State = "resolving"
	StateCacheHit    State = "cache_hit"
	StateDownloading State = "downloading"
	StateSeparating  State = "separating"
	StateReady       State = "ready"
	StateLaunching   State = "launching"
)

var (
	// ErrCancelled means the user dismissed a prompt or aborted before any
	// work started. It is never reported.
	ErrCancelled = errors.New("cancelled")
	// ErrDetached means the request stopped watching a separation that keeps
	// running in the background.
	ErrDetached = errors.New("detached from running separation")
)

const defaultVideoFormat = "bestvideo+bestaudio/best"

// Downloader fetches media and search results.
type Downloader interface {
	Search(ctx context.Context, query string, n int) ([]download.SearchResult, error)
	Download(ctx context.Context, req download.Request) (download.Result, error)
	Subtitles(ctx context.Context, id models.MediaID) ([]download.Subtitle, error)
	Thumbnail(ctx context.Context, url, dst string) (string, error)
}

// Picker asks the user to choose.
type Picker interface {
	Choose(ctx context.Context, prompt string, options []picker.Option) (string, bool, error)
	Prompt(ctx context.Context, prompt string) (string, bool, error)
}

// Notifier shows user visible progress and errors.
type Notifier interface {
	Send(ctx context.Context, msg notify.Message) error
}

// Prober reads tags and durations from downloaded files.
type Prober interface {
	Inspect(ctx context.Context, path string) (metadata.Info, error)
}

// Launcher starts the player.
type Launcher interface {
	Launch(ctx context.Context, session models.PlaybackSession) error
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Cache      *cache.Store
	Separator  *separation.Runner
	Monitor    *progress.Monitor
	Downloader Downloader
	Picker     Picker
	Notifier   Notifier
	Launcher   Launcher
	// Prober fills in titles and durations yt-dlp did not report.
	Prober Prober
	Logger logrus.FieldLogger
	// AudioFormat, when set, is the codec downloaded audio is extracted to.
	AudioFormat string
	// SearchResults is the number of hits offered by Interactive.
	SearchResults int
}

// Request is one playback request.
type Request struct {
	// Ref is a watch URL, short URL or bare media id.
	Ref   string
	Title string
	Mode  models.Mode
	// Stem picks the stem for SyncedStems; other stem modes imply it.
	Stem models.Stem
	// Quality is a yt-dlp video format selector such as bestvideo[height<=720].
	Quality   string
	Subtitle  string
	Thumbnail string
}

// Orchestrator runs requests. It is safe for one request at a time; the
// separation runner underneath is shared and deduplicates work.
type Orchestrator struct {
	deps   Deps
	logger logrus.FieldLogger

	// OnState is called on every transition, including the final Idle.
	OnState func(State)

	mu    sync.Mutex
	state State
}

// New returns an orchestrator in the Idle state.
func New(deps Deps) *Orchestrator {
	if deps.SearchResults <= 0 {
		deps.SearchResults = 10
	}
	return &Orchestrator{
		deps:   deps,
		logger: logging.Component(deps.Logger, "orchestrator"),
		state:  StateIdle,
	}
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) enter(log logrus.FieldLogger, s State) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	hook := o.OnState
	o.mu.Unlock()

	log.WithField("from", prev).Debugf("-> %s", s)
	if hook != nil {
		hook(s)
	}
}

// Play resolves req.Ref, fetches and separates what the mode needs, and
// launches the player. Every failure is reported through exactly one error
// notification before Play returns it; ErrCancelled is silent and ErrDetached
// is reported as background work.
func (o *Orchestrator) Play(ctx context.Context, req Request) (err error) {
	if req.Mode == "" {
		req.Mode = models.ModeVideo
	}
	log := o.logger.WithFields(logrus.Fields{
		"request": uuid.NewString(),
		"ref":     req.Ref,
		"mode":    req.Mode,
	})

	defer func() {
		o.enter(log, StateIdle)
		switch {
		case err == nil, errors.Is(err, ErrCancelled):
		case errors.Is(err, ErrDetached):
			log.Info("detached, separation continues")
			o.notify(ctx, log, notify.Message{
				Summary: "Processing",
				Body:    "Separation continues in the background",
				Urgency: notify.Low,
				Percent: notify.NoProgress,
			})
		default:
			log.WithError(err).Error("request failed")
			o.notify(ctx, log, notify.Message{
				Summary: "Error",
				Body:    describe(err),
				Urgency: notify.Critical,
				Percent: notify.NoProgress,
			})
		}
	}()

	o.enter(log, StateResolving)
	id, err := models.ParseMediaID(req.Ref)
	if err != nil {
		return &models.DownloadError{Ref: req.Ref, Err: err}
	}
	log = log.WithField("media_id", id)

	entry, err := o.deps.Cache.Lookup(id)
	if err != nil {
		return err
	}
	cached := entry != nil
	if entry == nil {
		entry = &models.CacheEntry{ID: id}
	}
	if req.Title == "" {
		req.Title = entry.Title
	}

	needStems := req.Mode.NeedsStems() && !entry.HasStems()
	needAudio := needStems && entry.AudioPath == ""
	needVideo := req.Mode.NeedsVideo() && entry.VideoPath == ""

	if needAudio || needVideo {
		o.enter(log, StateDownloading)
		if entry, err = o.download(ctx, log, req, id, needAudio, needVideo); err != nil {
			return err
		}
	} else if cached {
		o.enter(log, StateCacheHit)
	}

	if needStems {
		o.enter(log, StateSeparating)
		if entry, err = o.separate(ctx, log, id, entry.AudioPath); err != nil {
			return err
		}
	}

	o.enter(log, StateReady)
	session := buildSession(req, id, entry)

	o.enter(log, StateLaunching)
	if needStems {
		o.notify(ctx, log, notify.Message{Summary: "Processing", Body: "Done! Opening player...", Percent: 100})
	}
	if err := o.deps.Launcher.Launch(ctx, session); err != nil {
		return err
	}
	if cached || needAudio || needVideo {
		if err := o.deps.Cache.Touch(id); err != nil {
			log.WithError(err).Warn("touch cache entry")
		}
	}

	o.notify(ctx, log, notify.Message{
		Summary: playingSummary(req.Mode),
		Body:    session.Title,
		Icon:    req.Thumbnail,
		Percent: notify.NoProgress,
	})
	return nil
}

func (o *Orchestrator) download(ctx context.Context, log logrus.FieldLogger, req Request, id models.MediaID, audio, video bool) (*models.CacheEntry, error) {
	if _, err := o.deps.Cache.Reserve(id); err != nil {
		return nil, err
	}
	dir, err := o.deps.Cache.Dir(id)
	if err != nil {
		return nil, err
	}

	type step struct {
		kind   download.Kind
		format string
		label  string
		record func(models.MediaID, string) error
	}
	var steps []step
	if audio {
		steps = append(steps, step{download.KindAudio, "", "Downloading audio...", o.deps.Cache.RecordAudio})
	}
	if video {
		steps = append(steps, step{download.KindVideo, videoOnly(req.Quality), "Downloading video...", o.deps.Cache.RecordVideo})
	}

	for i, s := range steps {
		body := s.label
		if len(steps) > 1 {
			body = fmt.Sprintf("Step %d/%d: %s", i+1, len(steps), s.label)
		}
		o.notify(ctx, log, notify.Message{Summary: "Processing", Body: body, Urgency: notify.Critical, Percent: 0})

		res, err := o.deps.Downloader.Download(ctx, download.Request{
			ID:         id,
			OutputDir:  dir,
			Kind:       s.kind,
			Format:     s.format,
			AudioCodec: o.deps.AudioFormat,
			Progress: func(pct int) {
				o.notify(ctx, log, notify.Message{Summary: "Processing", Body: body, Urgency: notify.Critical, Percent: pct})
			},
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ErrCancelled
			}
			return nil, err
		}
		if err := s.record(id, res.Path); err != nil {
			return nil, err
		}
		o.fillMetadata(ctx, log, &res)
		if err := o.deps.Cache.SetMetadata(id, res.Title, res.Duration.Seconds()); err != nil {
			log.WithError(err).Warn("store metadata")
		}
	}

	return o.lookup(id)
}

// fillMetadata reads the file's own tags for whatever yt-dlp left unknown.
func (o *Orchestrator) fillMetadata(ctx context.Context, log logrus.FieldLogger, res *download.Result) {
	if o.deps.Prober == nil || (res.Title != "" && res.Duration > 0) {
		return
	}
	info, err := o.deps.Prober.Inspect(ctx, res.Path)
	if err != nil {
		log.WithError(err).Debug("inspect download")
		return
	}
	if res.Title == "" {
		res.Title = info.Title
	}
	if res.Duration <= 0 {
		res.Duration = info.Duration
	}
}

// videoOnly rewrites a format selector so it never picks a stream carrying
// audio. The stem is attached as an external track and the player assumes the
// video file has no audio of its own.
func videoOnly(selector string) string {
	if selector == "" {
		return "bestvideo"
	}
	var alts []string
	seen := make(map[string]bool)
	for _, alt := range strings.Split(selector, "/") {
		alt = strings.TrimSpace(alt)
		if i := strings.Index(alt, "+"); i >= 0 {
			alt = alt[:i]
		}
		head, filter := alt, ""
		if i := strings.Index(alt, "["); i >= 0 {
			head, filter = alt[:i], alt[i:]
		}
		switch strings.TrimSuffix(head, "*") {
		case "", "b", "best", "bv", "bestvideo":
			head = "bestvideo"
		case "w", "worst", "wv", "worstvideo":
			head = "worstvideo"
		}
		alt = head + filter
		if !seen[alt] {
			seen[alt] = true
			alts = append(alts, alt)
		}
	}
	return strings.Join(alts, "/")
}

func (o *Orchestrator) separate(ctx context.Context, log logrus.FieldLogger, id models.MediaID, audioPath string) (*models.CacheEntry, error) {
	body := "Separating stems..."
	o.notify(ctx, log, notify.Message{Summary: "Processing", Body: body, Urgency: notify.Critical, Percent: 0})

	job, err := o.deps.Separator.Start(ctx, id, audioPath)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		return nil, err
	}
	log = log.WithField("job", job.ID())

	for ev := range o.deps.Monitor.Observe(ctx, job) {
		switch ev.Kind {
		case progress.KindProgress:
			o.notify(ctx, log, notify.Message{Summary: "Processing", Body: body, Urgency: notify.Critical, Percent: ev.Percent})
		case progress.KindDone:
			return o.lookup(id)
		case progress.KindFailed:
			return nil, ev.Err
		}
	}
	return nil, ErrDetached
}

func (o *Orchestrator) lookup(id models.MediaID) (*models.CacheEntry, error) {
	entry, err := o.deps.Cache.Lookup(id)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, &models.CacheIOError{Op: "lookup", Path: id.String(), Err: errors.New("entry vanished")}
	}
	return entry, nil
}

// buildSession maps a mode onto the local files or stream URL to play.
func buildSession(req Request, id models.MediaID, entry *models.CacheEntry) models.PlaybackSession {
	s := models.PlaybackSession{
		ID:        uuid.NewString(),
		Title:     req.Title,
		Mode:      req.Mode,
		Subtitle:  req.Subtitle,
		Thumbnail: req.Thumbnail,
	}
	if s.Title == "" {
		s.Title = entry.Title
	}
	if s.Title == "" {
		s.Title = id.String()
	}

	switch req.Mode {
	case models.ModeAudioOnly:
		if entry.AudioPath != "" {
			s.AudioPath = entry.AudioPath
		} else {
			s.VideoPath = id.URL()
		}

	case models.ModeKeepVocals, models.ModeKeepMusic:
		s.AudioPath = entry.StemPath(req.Mode.StemFor(req.Stem))

	case models.ModeSyncedStems:
		s.VideoPath = entry.VideoPath
		s.AudioPath = entry.StemPath(req.Mode.StemFor(req.Stem))
		s.SourceAudioPath = entry.AudioPath
		s.VideoFormat = req.Quality

	default:
		if entry.VideoPath != "" && entry.AudioPath != "" {
			s.VideoPath = entry.VideoPath
			s.AudioPath = entry.AudioPath
			break
		}
		s.VideoPath = id.URL()
		s.VideoFormat = defaultVideoFormat
		if req.Quality != "" {
			s.VideoFormat = req.Quality + "+bestaudio/best"
		}
	}
	return s
}

// notify never fails the request and still reaches the user after ctx was
// cancelled.
func (o *Orchestrator) notify(ctx context.Context, log logrus.FieldLogger, msg notify.Message) {
	if o.deps.Notifier == nil {
		return
	}
	if err := o.deps.Notifier.Send(context.WithoutCancel(ctx), msg); err != nil {
		log.WithError(err).Warn("notification failed")
	}
}

func playingSummary(mode models.Mode) string {
	switch mode {
	case models.ModeAudioOnly:
		return "Playing Audio"
	case models.ModeKeepVocals:
		return "Playing vocals"
	case models.ModeKeepMusic:
		return "Playing music"
	case models.ModeSyncedStems:
		return "Playing synced stems"
	}
	return "Playing"
}

// describe turns an error into notification text.
func describe(err error) string {
	var sepErr *models.SeparationError
	if errors.As(err, &sepErr) && sepErr.Detail != "" {
		lines := strings.Split(strings.TrimSpace(sepErr.Detail), "\n")
		return fmt.Sprintf("Processing failed: %v\n%s", err, lines[len(lines)-1])
	}
	var dlErr *models.DownloadError
	if errors.As(err, &dlErr) {
		return fmt.Sprintf("Download failed: %v", err)
	}
	var launchErr *models.PlayerLaunchError
	if errors.As(err, &launchErr) {
		return fmt.Sprintf("Could not start player: %v", err)
	}
	return err.Error()
}
