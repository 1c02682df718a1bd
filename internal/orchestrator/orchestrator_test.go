package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

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

const testID = models.MediaID("dQw4w9WgXcQ")

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (f *fakeNotifier) Send(_ context.Context, msg notify.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeNotifier) messages() []notify.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.Message(nil), f.msgs...)
}

func (f *fakeNotifier) count(summary string) int {
	n := 0
	for _, m := range f.messages() {
		if m.Summary == summary {
			n++
		}
	}
	return n
}

type fakeLauncher struct {
	mu       sync.Mutex
	sessions []models.PlaybackSession
	err      error
}

func (f *fakeLauncher) Launch(_ context.Context, s models.PlaybackSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, s)
	return f.err
}

func (f *fakeLauncher) launched() []models.PlaybackSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.PlaybackSession(nil), f.sessions...)
}

type fakeDownloader struct {
	mu       sync.Mutex
	requests []download.Request
	err      error
	results  []download.SearchResult
	subs     []download.Subtitle
	thumbs   int

	// audio replaces the downloaded audio file; untitled drops the title and
	// duration yt-dlp would report.
	audio    []byte
	untitled bool
}

func (f *fakeDownloader) Search(context.Context, string, int) ([]download.SearchResult, error) {
	return f.results, f.err
}

func (f *fakeDownloader) Download(_ context.Context, req download.Request) (download.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.err != nil {
		return download.Result{}, &models.DownloadError{Ref: req.ID.String(), Err: f.err}
	}

	ext := ".m4a"
	if req.AudioCodec != "" {
		ext = "." + req.AudioCodec
	}
	data := []byte(req.Kind)
	if req.Kind == download.KindVideo {
		ext = ".webm"
	} else if f.audio != nil {
		data = f.audio
	}
	path := filepath.Join(req.OutputDir, string(req.Kind)+ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return download.Result{}, err
	}
	if req.Progress != nil {
		req.Progress(100)
	}
	if f.untitled {
		return download.Result{Path: path}, nil
	}
	return download.Result{Path: path, Title: "Never Gonna Give You Up", Duration: 212 * time.Second}, nil
}

func (f *fakeDownloader) Subtitles(context.Context, models.MediaID) ([]download.Subtitle, error) {
	return f.subs, nil
}

func (f *fakeDownloader) Thumbnail(_ context.Context, url, dst string) (string, error) {
	f.mu.Lock()
	f.thumbs++
	f.mu.Unlock()
	return dst, nil
}

func (f *fakeDownloader) downloads() []download.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]download.Request(nil), f.requests...)
}

// fakePicker answers prompts by their longest matching prefix. Unknown prompts
// are dismissed.
type fakePicker struct {
	mu      sync.Mutex
	answers map[string]string
	asked   []string
}

func (f *fakePicker) answer(prompt string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asked = append(f.asked, prompt)
	best, found := "", false
	value := ""
	for prefix, answer := range f.answers {
		if strings.HasPrefix(prompt, prefix) && len(prefix) >= len(best) {
			best, value, found = prefix, answer, true
		}
	}
	return value, found
}

func (f *fakePicker) Choose(_ context.Context, prompt string, options []picker.Option) (string, bool, error) {
	want, ok := f.answer(prompt)
	if !ok {
		return "", false, nil
	}
	for _, opt := range options {
		if opt.Label == want {
			return opt.Value, true, nil
		}
	}
	return "", false, fmt.Errorf("no option %q in %q", want, prompt)
}

func (f *fakePicker) Prompt(_ context.Context, prompt string) (string, bool, error) {
	value, ok := f.answer(prompt)
	return value, ok, nil
}

type harness struct {
	orch       *Orchestrator
	store      *cache.Store
	runner     *separation.Runner
	notifier   *fakeNotifier
	launcher   *fakeLauncher
	downloader *fakeDownloader
	picker     *fakePicker

	mu     sync.Mutex
	states []State
}

func (h *harness) transitions() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]State(nil), h.states...)
}

// fakeDemucs writes a stand-in for the separation binary that produces both
// stems after running body.
func fakeDemucs(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	script := `#!/bin/sh
out=""; model=""; input=""
while [ $# -gt 0 ]; do
  case "$1" in
    -o) out="$2"; shift 2;;
    -n) model="$2"; shift 2;;
    -d|-j) shift 2;;
    *) input="$1"; shift;;
  esac
done
track=$(basename "$input"); track="${track%.*}"
stems="$out/$model/$track"
mkdir -p "$stems"
` + body + `
printf 'vocals' > "$stems/vocals.wav"
printf 'music' > "$stems/no_vocals.wav"
`
	path := filepath.Join(t.TempDir(), "demucs")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake demucs: %v", err)
	}
	return path
}

const demucsProgress = `printf ' 10%%|#         |\r' >&2
sleep 0.3
printf ' 55%%|#####     |\r' >&2
sleep 0.3
printf '100%%|##########|\n' >&2`

func newHarness(t *testing.T, demucs string) *harness {
	t.Helper()

	logger := logging.Discard()
	store, err := cache.Open(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	runner := separation.NewRunner(separation.Config{Binary: demucs, Model: "htdemucs", Jobs: 1}, store, nil, logger)
	t.Cleanup(func() { _ = runner.Shutdown() })

	h := &harness{
		store:      store,
		runner:     runner,
		notifier:   &fakeNotifier{},
		launcher:   &fakeLauncher{},
		downloader: &fakeDownloader{},
		picker:     &fakePicker{answers: map[string]string{}},
	}
	h.orch = New(Deps{
		Cache:      store,
		Separator:  runner,
		Monitor:    progress.NewMonitor(250*time.Millisecond, logger),
		Downloader: h.downloader,
		Picker:     h.picker,
		Notifier:   h.notifier,
		Launcher:   h.launcher,
		Prober:     metadata.NewProber("", logger),
		Logger:     logger,
	})
	h.orch.OnState = func(s State) {
		h.mu.Lock()
		h.states = append(h.states, s)
		h.mu.Unlock()
	}
	return h
}

func seedCache(t *testing.T, store *cache.Store, artifacts ...cache.Artifact) map[cache.Artifact]string {
	t.Helper()
	if _, err := store.Reserve(testID); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	ext := map[cache.Artifact]string{
		cache.ArtifactAudio:        "m4a",
		cache.ArtifactVideo:        "webm",
		cache.ArtifactVocals:       "wav",
		cache.ArtifactInstrumental: "wav",
	}
	paths := make(map[cache.Artifact]string)
	for _, a := range artifacts {
		p, err := store.PathFor(testID, a, ext[a])
		if err != nil {
			t.Fatalf("path: %v", err)
		}
		if err := os.WriteFile(p, []byte(a), 0o644); err != nil {
			t.Fatalf("write %s: %v", a, err)
		}
		paths[a] = p
	}

	record := func(err error) {
		if err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if p, ok := paths[cache.ArtifactAudio]; ok {
		record(store.RecordAudio(testID, p))
	}
	if p, ok := paths[cache.ArtifactVideo]; ok {
		record(store.RecordVideo(testID, p))
	}
	if v, ok := paths[cache.ArtifactVocals]; ok {
		record(store.RecordStems(testID, v, paths[cache.ArtifactInstrumental]))
	}
	return paths
}

func assertStates(t *testing.T, got []State, want ...State) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("states\n got %v\nwant %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states\n got %v\nwant %v", got, want)
		}
	}
}

func TestKeepVocalsWithEmptyCache(t *testing.T) {
	h := newHarness(t, fakeDemucs(t, demucsProgress))

	err := h.orch.Play(context.Background(), Request{Ref: "https://www.youtube.com/watch?v=" + testID.String(), Mode: models.ModeKeepVocals})
	if err != nil {
		t.Fatalf("Play: %v", err)
	}

	assertStates(t, h.transitions(),
		StateResolving, StateDownloading, StateSeparating, StateReady, StateLaunching, StateIdle)

	dls := h.downloader.downloads()
	if len(dls) != 1 || dls[0].Kind != download.KindAudio {
		t.Fatalf("expected one audio download, got %+v", dls)
	}

	entry, err := h.store.Lookup(testID)
	if err != nil || entry == nil || !entry.HasStems() {
		t.Fatalf("expected stems cached, got %+v %v", entry, err)
	}

	sessions := h.launcher.launched()
	if len(sessions) != 1 {
		t.Fatalf("expected one launch, got %d", len(sessions))
	}
	s := sessions[0]
	if s.AudioPath != entry.VocalsPath || s.VideoPath != "" || s.Mode != models.ModeKeepVocals {
		t.Fatalf("unexpected session %+v", s)
	}
	if s.Title != "Never Gonna Give You Up" {
		t.Fatalf("expected title from download, got %q", s.Title)
	}

	var separating []int
	for _, m := range h.notifier.messages() {
		if m.Body == "Separating stems..." {
			separating = append(separating, m.Percent)
		}
	}
	if len(separating) < 2 || separating[0] != 0 || separating[len(separating)-1] != 100 {
		t.Fatalf("expected separation progress from 0 to 100, got %v", separating)
	}
	for i := 1; i < len(separating); i++ {
		if separating[i] < separating[i-1] {
			t.Fatalf("progress regressed: %v", separating)
		}
	}
	if h.notifier.count("Error") != 0 {
		t.Fatalf("unexpected error notification")
	}
	if h.orch.State() != StateIdle {
		t.Fatalf("expected Idle, got %s", h.orch.State())
	}
}

func TestSyncedStemsWithCachedStems(t *testing.T) {
	h := newHarness(t, fakeDemucs(t, "exit 9"))
	paths := seedCache(t, h.store,
		cache.ArtifactAudio, cache.ArtifactVideo, cache.ArtifactVocals, cache.ArtifactInstrumental)

	err := h.orch.Play(context.Background(), Request{Ref: testID.String(), Mode: models.ModeSyncedStems, Quality: "bestvideo[height<=720]"})
	if err != nil {
		t.Fatalf("Play: %v", err)
	}

	assertStates(t, h.transitions(), StateResolving, StateCacheHit, StateReady, StateLaunching, StateIdle)
	if len(h.downloader.downloads()) != 0 {
		t.Fatalf("cache hit must not download")
	}

	s := h.launcher.launched()[0]
	if s.VideoPath != paths[cache.ArtifactVideo] || s.AudioPath != paths[cache.ArtifactVocals] {
		t.Fatalf("unexpected session paths %+v", s)
	}
	if s.SourceAudioPath != paths[cache.ArtifactAudio] {
		t.Fatalf("expected source audio for offset measurement, got %q", s.SourceAudioPath)
	}
	if !s.HasVideo() {
		t.Fatalf("synced session must render video")
	}
}

func TestSyncedStemsKaraokePicksInstrumental(t *testing.T) {
	h := newHarness(t, fakeDemucs(t, "exit 9"))
	paths := seedCache(t, h.store,
		cache.ArtifactAudio, cache.ArtifactVideo, cache.ArtifactVocals, cache.ArtifactInstrumental)

	if err := h.orch.Play(context.Background(), Request{Ref: testID.String(), Mode: models.ModeSyncedStems, Stem: models.StemInstrumental}); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if got := h.launcher.launched()[0].AudioPath; got != paths[cache.ArtifactInstrumental] {
		t.Fatalf("expected instrumental stem, got %q", got)
	}
}

func TestSeparationFailureNotifiesOnce(t *testing.T) {
	h := newHarness(t, fakeDemucs(t, "echo 'RuntimeError: boom' >&2\nexit 1"))

	err := h.orch.Play(context.Background(), Request{Ref: testID.String(), Mode: models.ModeKeepMusic})
	var sepErr *models.SeparationError
	if !errors.As(err, &sepErr) {
		t.Fatalf("expected SeparationError, got %v", err)
	}

	if n := h.notifier.count("Error"); n != 1 {
		t.Fatalf("expected exactly one failure notification, got %d", n)
	}
	if len(h.launcher.launched()) != 0 {
		t.Fatalf("player must not launch after failed separation")
	}

	entry, _ := h.store.Lookup(testID)
	if entry == nil || entry.VocalsPath != "" || entry.InstrumentalPath != "" {
		t.Fatalf("stems must stay unset, got %+v", entry)
	}

	states := h.transitions()
	if states[len(states)-1] != StateIdle {
		t.Fatalf("expected to end Idle, got %v", states)
	}
	for _, s := range states {
		if s == StateLaunching {
			t.Fatalf("unexpected launch state in %v", states)
		}
	}
}

func TestDownloadFailureNotifiesOnce(t *testing.T) {
	h := newHarness(t, fakeDemucs(t, ""))
	h.downloader.err = errors.New("video unavailable")

	err := h.orch.Play(context.Background(), Request{Ref: testID.String(), Mode: models.ModeKeepVocals})
	var dlErr *models.DownloadError
	if !errors.As(err, &dlErr) {
		t.Fatalf("expected DownloadError, got %v", err)
	}
	if n := h.notifier.count("Error"); n != 1 {
		t.Fatalf("expected one failure notification, got %d", n)
	}
	assertStates(t, h.transitions(), StateResolving, StateDownloading, StateIdle)
}

func TestInvalidReference(t *testing.T) {
	h := newHarness(t, fakeDemucs(t, ""))

	err := h.orch.Play(context.Background(), Request{Ref: "https://example.com/nope", Mode: models.ModeVideo})
	if !errors.Is(err, models.ErrInvalidReference) {
		t.Fatalf("expected invalid reference, got %v", err)
	}
	if n := h.notifier.count("Error"); n != 1 {
		t.Fatalf("expected one failure notification, got %d", n)
	}
}

func TestPlayerLaunchFailure(t *testing.T) {
	h := newHarness(t, fakeDemucs(t, ""))
	h.launcher.err = &models.PlayerLaunchError{Binary: "mpv", Err: exec.ErrNotFound}

	err := h.orch.Play(context.Background(), Request{Ref: testID.String(), Mode: models.ModeVideo})
	var launchErr *models.PlayerLaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("expected PlayerLaunchError, got %v", err)
	}
	if n := h.notifier.count("Error"); n != 1 {
		t.Fatalf("expected one failure notification, got %d", n)
	}
}

func TestVideoStreamsWithoutDownload(t *testing.T) {
	h := newHarness(t, fakeDemucs(t, ""))

	if err := h.orch.Play(context.Background(), Request{Ref: testID.String(), Mode: models.ModeVideo, Quality: "bestvideo[height<=480]"}); err != nil {
		t.Fatalf("Play: %v", err)
	}

	assertStates(t, h.transitions(), StateResolving, StateReady, StateLaunching, StateIdle)
	s := h.launcher.launched()[0]
	if s.VideoPath != testID.URL() || s.VideoFormat != "bestvideo[height<=480]+bestaudio/best" {
		t.Fatalf("unexpected streaming session %+v", s)
	}
	if entry, _ := h.store.Lookup(testID); entry != nil {
		t.Fatalf("streaming must not create cache entries")
	}
}

func TestAudioOnlyUsesCachedAudio(t *testing.T) {
	h := newHarness(t, fakeDemucs(t, ""))
	paths := seedCache(t, h.store, cache.ArtifactAudio)

	if err := h.orch.Play(context.Background(), Request{Ref: testID.String(), Mode: models.ModeAudioOnly}); err != nil {
		t.Fatalf("Play: %v", err)
	}
	s := h.launcher.launched()[0]
	if s.AudioPath != paths[cache.ArtifactAudio] || s.VideoPath != "" {
		t.Fatalf("expected cached audio, got %+v", s)
	}
}

func TestCancelDuringSeparationDetaches(t *testing.T) {
	gate := filepath.Join(t.TempDir(), "gate")
	h := newHarness(t, fakeDemucs(t, fmt.Sprintf("while [ ! -f %q ]; do sleep 0.05; done", gate)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- h.orch.Play(ctx, Request{Ref: testID.String(), Mode: models.ModeKeepVocals})
	}()

	waitFor(t, func() bool {
		_, ok := h.runner.Active(testID)
		return ok
	}, "separation to start")
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, ErrDetached) {
			t.Fatalf("expected ErrDetached, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Play blocked after cancel")
	}

	job, ok := h.runner.Active(testID)
	if !ok {
		t.Fatalf("separation must keep running after detach")
	}
	if len(h.launcher.launched()) != 0 || h.notifier.count("Error") != 0 {
		t.Fatalf("detach must neither launch nor report an error")
	}

	if err := os.WriteFile(gate, nil, 0o644); err != nil {
		t.Fatalf("open gate: %v", err)
	}
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	if _, err := job.Wait(waitCtx); err != nil {
		t.Fatalf("job failed: %v", err)
	}

	entry, err := h.store.Lookup(testID)
	if err != nil || entry == nil || !entry.HasStems() {
		t.Fatalf("detached job should still fill the cache, got %+v %v", entry, err)
	}
}

func TestDescribe(t *testing.T) {
	err := &models.SeparationError{MediaID: testID, ExitCode: 1, Detail: "loading model\nRuntimeError: CUDA out of memory"}
	got := describe(err)
	if !strings.HasPrefix(got, "Processing failed") || !strings.HasSuffix(got, "RuntimeError: CUDA out of memory") {
		t.Fatalf("unexpected description %q", got)
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", msg)
}

// id3Title returns an ID3v2.3 tag holding only a title frame.
func id3Title(title string) []byte {
	text := append([]byte{0}, title...)
	frame := append([]byte("TIT2"), byte(len(text)>>24), byte(len(text)>>16), byte(len(text)>>8), byte(len(text)), 0, 0)
	frame = append(frame, text...)

	size := len(frame)
	tag := []byte{'I', 'D', '3', 3, 0, 0, byte(size >> 21 & 0x7f), byte(size >> 14 & 0x7f), byte(size >> 7 & 0x7f), byte(size & 0x7f)}
	return append(tag, frame...)
}

func TestDownloadTitleFallsBackToFileTags(t *testing.T) {
	h := newHarness(t, fakeDemucs(t, ""))
	h.orch.deps.AudioFormat = "mp3"
	h.downloader.audio = id3Title("Together Forever")
	h.downloader.untitled = true

	if err := h.orch.Play(context.Background(), Request{Ref: testID.String(), Mode: models.ModeKeepMusic}); err != nil {
		t.Fatalf("Play: %v", err)
	}

	dls := h.downloader.downloads()
	if len(dls) != 1 || dls[0].AudioCodec != "mp3" {
		t.Fatalf("expected mp3 audio download, got %+v", dls)
	}

	entry, err := h.store.Lookup(testID)
	if err != nil || entry == nil {
		t.Fatalf("lookup: %+v %v", entry, err)
	}
	if entry.Title != "Together Forever" || filepath.Ext(entry.AudioPath) != ".mp3" {
		t.Fatalf("expected tag title and mp3 audio in cache, got %+v", entry)
	}
	if got := h.launcher.launched()[0].Title; got != "Together Forever" {
		t.Fatalf("expected player title from tags, got %q", got)
	}
}

func TestSyncedStemsDownloadsVideoWithoutAudio(t *testing.T) {
	h := newHarness(t, fakeDemucs(t, ""))
	seedCache(t, h.store, cache.ArtifactAudio, cache.ArtifactVocals, cache.ArtifactInstrumental)

	if err := h.orch.Play(context.Background(), Request{Ref: testID.String(), Mode: models.ModeSyncedStems, Quality: "best"}); err != nil {
		t.Fatalf("Play: %v", err)
	}
	dls := h.downloader.downloads()
	if len(dls) != 1 || dls[0].Kind != download.KindVideo || dls[0].Format != "bestvideo" {
		t.Fatalf("expected a video-only download, got %+v", dls)
	}
}

func TestVideoOnly(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", "bestvideo"},
		{"best", "bestvideo"},
		{"bestvideo[height<=720]", "bestvideo[height<=720]"},
		{"bestvideo[height<=720]+bestaudio/best", "bestvideo[height<=720]/bestvideo"},
		{"bv*+ba/b", "bestvideo"},
		{"best[height<=480]", "bestvideo[height<=480]"},
		{"worst", "worstvideo"},
		{"137", "137"},
	}
	for _, tt := range tests {
		if got := videoOnly(tt.in); got != tt.want {
			t.Fatalf("videoOnly(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
