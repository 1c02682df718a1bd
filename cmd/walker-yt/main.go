package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"walker-yt/internal/cache"
	"walker-yt/internal/config"
	"walker-yt/internal/download"
	"walker-yt/internal/logging"
	"walker-yt/internal/metadata"
	"walker-yt/internal/models"
	"walker-yt/internal/notify"
	"walker-yt/internal/orchestrator"
	"walker-yt/internal/picker"
	"walker-yt/internal/player"
	"walker-yt/internal/process"
	"walker-yt/internal/progress"
	"walker-yt/internal/separation"
)

const usage = `usage:
  walker-yt [query...]                 search and pick interactively
  walker-yt play [flags] <url|id>      play without menus
  walker-yt cache ls                   list cached media
  walker-yt cache rm <id>              evict cached media
`

// interrupts returns a context ended by the next SIGINT or SIGTERM.
var interrupts = func() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "walker-yt: load config: %v\n", err)
		os.Exit(1)
	}

	logger, closer, err := logging.New(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "walker-yt: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	ctx, stop := interrupts()
	defer stop()

	if err := run(ctx, cfg, logger, os.Args[1:], os.Stdout); err != nil {
		logger.WithError(err).Error("exiting")
		fmt.Fprintf(os.Stderr, "walker-yt: %v\n", err)
		closer.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *logrus.Logger, args []string, stdout io.Writer) error {
	if len(args) > 0 {
		switch args[0] {
		case "-h", "--help", "help":
			fmt.Fprint(stdout, usage)
			return nil
		case "cache":
			return runCache(cfg, logger, args[1:], stdout)
		}
	}

	store, err := cache.Open(cfg.CacheDir, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	group := process.NewGroup()
	runner := separation.NewRunner(separation.Config{
		Binary: cfg.Binaries.Demucs,
		Model:  cfg.Separation.Model,
		Device: cfg.Separation.Device,
		Jobs:   cfg.Separation.Jobs,
	}, store, group, logger)
	defer func() {
		if group.Len() > 0 {
			logger.Infof("stopping %d running processes", group.Len())
		}
		if err := runner.Shutdown(); err != nil {
			logger.WithError(err).Warn("shutdown")
		}
	}()

	prober := metadata.NewProber(cfg.Binaries.FFprobe, logger)
	orch := orchestrator.New(orchestrator.Deps{
		Cache:         store,
		Separator:     runner,
		Monitor:       progress.NewMonitor(cfg.ProgressInterval, logger),
		Downloader:    download.NewClient(cfg.Binaries.YtDlp, cfg.Binaries.Thumbnails, logger),
		Picker:        picker.NewWalker(cfg.Binaries.Picker, logger),
		Notifier:      notify.NewSender(cfg.Binaries.Notifier, "walker-yt", logger),
		Launcher:      player.NewLauncher(cfg, prober, logger),
		Prober:        prober,
		Logger:        logger,
		AudioFormat:   cfg.AudioFormat,
		SearchResults: cfg.SearchResults,
	})

	var playErr error
	if len(args) > 0 && args[0] == "play" {
		req, err := parsePlay(args[1:])
		if err != nil {
			return err
		}
		playErr = orch.Play(ctx, req)
	} else {
		playErr = orch.Interactive(ctx, strings.Join(args, " "))
	}
	if errors.Is(playErr, orchestrator.ErrDetached) {
		finishDetached(runner, logger)
	}
	return quiet(playErr)
}

// finishDetached keeps the launcher alive until a separation the user
// detached from has stored its stems. Another interrupt gives up and leaves
// the job to the shutdown kill.
func finishDetached(runner *separation.Runner, logger logrus.FieldLogger) {
	ctx, stop := interrupts()
	defer stop()

	logger.Info("waiting for background separation, interrupt again to stop it")
	if err := runner.Wait(ctx); err != nil {
		logger.Warn("interrupted again, stopping background separation")
		return
	}
	logger.Info("background separation finished")
}

// quiet drops outcomes the user already saw or asked for. Failures were
// reported through a notification but still set the exit code.
func quiet(err error) error {
	if errors.Is(err, orchestrator.ErrCancelled) || errors.Is(err, orchestrator.ErrDetached) {
		return nil
	}
	return err
}

func parsePlay(args []string) (orchestrator.Request, error) {
	fs := flag.NewFlagSet("play", flag.ContinueOnError)
	mode := fs.String("mode", string(models.ModeVideo), "playback mode: video, audio, vocals, music, synced")
	stem := fs.String("stem", "", "stem for synced mode: vocals or instrumental")
	quality := fs.String("quality", "", "max video height (1080, 720, ...) or a yt-dlp format selector")
	sub := fs.String("sub", "", "subtitle language code")
	title := fs.String("title", "", "title shown in the player")
	if err := fs.Parse(args); err != nil {
		return orchestrator.Request{}, err
	}
	if fs.NArg() != 1 {
		return orchestrator.Request{}, fmt.Errorf("play needs exactly one url or id\n%s", usage)
	}

	m, err := models.ParseMode(*mode)
	if err != nil {
		return orchestrator.Request{}, err
	}
	var s models.Stem
	if *stem != "" {
		if s, err = models.ParseStem(*stem); err != nil {
			return orchestrator.Request{}, err
		}
	}

	return orchestrator.Request{
		Ref:      fs.Arg(0),
		Title:    *title,
		Mode:     m,
		Stem:     s,
		Quality:  qualitySelector(*quality),
		Subtitle: *sub,
	}, nil
}

// qualitySelector accepts a bare height or passes a selector through.
func qualitySelector(q string) string {
	q = strings.TrimSuffix(strings.TrimSpace(q), "p")
	if q == "" {
		return ""
	}
	if strings.EqualFold(q, "max") {
		return "bestvideo"
	}
	for _, r := range q {
		if r < '0' || r > '9' {
			return q
		}
	}
	return "bestvideo[height<=" + q + "]"
}
