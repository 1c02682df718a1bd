package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"

	"walker-yt/internal/models"
	"walker-yt/internal/notify"
	"walker-yt/internal/picker"
)

// Action is an entry of the action menu.
type Action struct {
	Label string
	Mode  models.Mode
	Stem  models.Stem
	// Configure asks for quality and subtitles before playing.
	Configure bool
}

// Actions lists the action menu in display order.
func Actions() []Action {
	return []Action{
		{Label: "Watch Video (Auto)", Mode: models.ModeVideo},
		{Label: "Watch Video (Select Quality & Subs)", Mode: models.ModeVideo, Configure: true},
		{Label: "Listen Audio (no video)", Mode: models.ModeAudioOnly},
		{Label: "Keep Vocals (audio)", Mode: models.ModeKeepVocals},
		{Label: "Keep Music (audio)", Mode: models.ModeKeepMusic},
		{Label: "Sing Along (video + vocals)", Mode: models.ModeSyncedStems, Stem: models.StemVocals, Configure: true},
		{Label: "Karaoke (video + music)", Mode: models.ModeSyncedStems, Stem: models.StemInstrumental, Configure: true},
	}
}

// Quality is an entry of the quality menu.
type Quality struct {
	Label    string
	Selector string
}

// Qualities lists the selectable video qualities, best first.
func Qualities() []Quality {
	return []Quality{
		{Label: "Max (4K/8K)", Selector: "bestvideo"},
		{Label: "1080p", Selector: "bestvideo[height<=1080]"},
		{Label: "720p", Selector: "bestvideo[height<=720]"},
		{Label: "480p", Selector: "bestvideo[height<=480]"},
		{Label: "360p", Selector: "bestvideo[height<=360]"},
	}
}

const noSubtitles = "none"

// Interactive runs the launcher flow: search, pick a video and an action,
// optionally a quality and subtitles, then Play. Dismissing any menu ends the
// flow silently.
func (o *Orchestrator) Interactive(ctx context.Context, query string) error {
	err := o.interactive(ctx, query)
	if errors.Is(err, ErrCancelled) {
		o.logger.Debug("cancelled by user")
		return nil
	}
	return err
}

func (o *Orchestrator) interactive(ctx context.Context, query string) error {
	log := o.logger.WithField("flow", "interactive")

	if query == "" {
		q, ok, err := o.deps.Picker.Prompt(ctx, "Search YouTube")
		if err != nil {
			return o.fail(ctx, log, err)
		}
		if !ok {
			return ErrCancelled
		}
		query = q
	}

	o.notify(ctx, log, notify.Message{Summary: "Searching", Body: fmt.Sprintf("Searching for: %s...", query), Percent: notify.NoProgress})
	results, err := o.deps.Downloader.Search(ctx, query, o.deps.SearchResults)
	if err != nil {
		return o.fail(ctx, log, err)
	}
	if len(results) == 0 {
		o.notify(ctx, log, notify.Message{Summary: "Walker YT", Body: "No results found.", Percent: notify.NoProgress})
		return nil
	}

	options := make([]picker.Option, len(results))
	for i, r := range results {
		options[i] = picker.Option{Label: r.Label(), Value: strconv.Itoa(i)}
	}
	choice, err := o.choose(ctx, "Select Video", options)
	if err != nil {
		return o.fail(ctx, log, err)
	}
	idx, _ := strconv.Atoi(choice)
	video := results[idx]
	log = log.WithField("media_id", video.ID)

	thumb := make(chan string, 1)
	go func() {
		path, err := o.deps.Downloader.Thumbnail(context.WithoutCancel(ctx), video.Thumbnail, o.deps.Cache.ThumbnailPath(video.ID))
		if err != nil {
			log.WithError(err).Debug("thumbnail")
		}
		thumb <- path
	}()

	actions := Actions()
	options = make([]picker.Option, len(actions))
	for i, a := range actions {
		options[i] = picker.Option{Label: a.Label, Value: strconv.Itoa(i)}
	}
	choice, err = o.choose(ctx, "Action: "+video.Title, options)
	if err != nil {
		return o.fail(ctx, log, err)
	}
	idx, _ = strconv.Atoi(choice)
	action := actions[idx]

	req := Request{Ref: video.ID.String(), Title: video.Title, Mode: action.Mode, Stem: action.Stem}
	if action.Configure {
		if req.Quality, err = o.selectQuality(ctx); err != nil {
			return o.fail(ctx, log, err)
		}
		if req.Subtitle, err = o.selectSubtitles(ctx, log, video.ID); err != nil {
			return o.fail(ctx, log, err)
		}
	}

	select {
	case req.Thumbnail = <-thumb:
	default:
	}

	return o.Play(ctx, req)
}

func (o *Orchestrator) choose(ctx context.Context, prompt string, options []picker.Option) (string, error) {
	value, ok, err := o.deps.Picker.Choose(ctx, prompt, options)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrCancelled
	}
	return value, nil
}

func (o *Orchestrator) selectQuality(ctx context.Context) (string, error) {
	qualities := Qualities()
	options := make([]picker.Option, len(qualities))
	for i, q := range qualities {
		options[i] = picker.Option{Label: q.Label, Value: q.Selector}
	}
	return o.choose(ctx, "Select Video Quality", options)
}

// selectSubtitles returns a language code, or "" for none. A failed listing is
// not fatal; playback continues without subtitles.
func (o *Orchestrator) selectSubtitles(ctx context.Context, log logrus.FieldLogger, id models.MediaID) (string, error) {
	o.notify(ctx, log, notify.Message{Summary: "Subtitles", Body: "Fetching subtitle list...", Urgency: notify.Low, Percent: notify.NoProgress})

	subs, err := o.deps.Downloader.Subtitles(ctx, id)
	if err != nil {
		log.WithError(err).Warn("listing subtitles")
	}
	if len(subs) == 0 {
		o.notify(ctx, log, notify.Message{Summary: "Subtitles", Body: "No subtitles found.", Percent: notify.NoProgress})
		return "", nil
	}

	options := []picker.Option{{Label: "None", Value: noSubtitles}}
	for _, s := range subs {
		options = append(options, picker.Option{Label: s.Label(), Value: s.Code})
	}
	code, err := o.choose(ctx, "Select Subtitles", options)
	if err != nil || code == noSubtitles {
		return "", err
	}
	return code, nil
}

// fail reports an error of the interactive flow once, the same way Play does.
func (o *Orchestrator) fail(ctx context.Context, log logrus.FieldLogger, err error) error {
	if errors.Is(err, ErrCancelled) || ctx.Err() != nil {
		return ErrCancelled
	}
	log.WithError(err).Error("interactive flow failed")
	o.notify(ctx, log, notify.Message{Summary: "Error", Body: describe(err), Urgency: notify.Critical, Percent: notify.NoProgress})
	return err
}
