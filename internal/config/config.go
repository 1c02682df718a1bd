package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix = "WALKER_YT_"

	defaultModel             = "htdemucs"
	defaultProgressInterval  = 500 * time.Millisecond
	minProgressInterval      = 250 * time.Millisecond
	maxProgressInterval      = time.Second
	defaultMaxMeasuredOffset = 2 * time.Second
	defaultSearchResults     = 10
	defaultLogFile           = "/tmp/walker-yt.log"
)

// Sync offset methods.
const (
	SyncFixed    = "fixed"
	SyncMeasured = "measured"
)

// audioFormats are the --audio-format values yt-dlp can extract to. Empty
// keeps the downloaded container.
var audioFormats = map[string]bool{
	"": true, "best": true, "aac": true, "alac": true, "flac": true, "m4a": true,
	"mp3": true, "opus": true, "vorbis": true, "wav": true,
}

// Binaries names the external programs the launcher drives.
type Binaries struct {
	YtDlp      string `yaml:"yt_dlp"`
	Demucs     string `yaml:"demucs"`
	Player     string `yaml:"player"`
	Picker     string `yaml:"picker"`
	Notifier   string `yaml:"notifier"`
	FFprobe    string `yaml:"ffprobe"`
	Thumbnails string `yaml:"thumbnails"`
}

// Separation configures the demucs invocation.
type Separation struct {
	Model  string `yaml:"model"`
	Device string `yaml:"device"`
	// Jobs is passed as -j; zero means one per physical core.
	Jobs int `yaml:"jobs"`
}

// Sync configures how the stem offset against the video is computed.
type Sync struct {
	Method            string        `yaml:"method"`
	ModelLatency      time.Duration `yaml:"model_latency"`
	MaxMeasuredOffset time.Duration `yaml:"max_measured_offset"`
}

// Config is the resolved launcher configuration.
type Config struct {
	CacheDir         string        `yaml:"cache_dir"`
	LogFile          string        `yaml:"log_file"`
	LogLevel         string        `yaml:"log_level"`
	SearchResults    int           `yaml:"search_results"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
	// AudioFormat makes yt-dlp extract downloaded audio to this codec.
	AudioFormat      string        `yaml:"audio_format"`
	Binaries         Binaries      `yaml:"binaries"`
	Separation       Separation    `yaml:"separation"`
	Sync             Sync          `yaml:"sync"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	home, _ := os.UserHomeDir()

	ytdlp := filepath.Join(home, ".local", "bin", "yt-dlp")
	if _, err := os.Stat(ytdlp); err != nil {
		ytdlp = "yt-dlp"
	}

	return Config{
		CacheDir:         filepath.Join(cacheHome(home), "walker-yt"),
		LogFile:          defaultLogFile,
		LogLevel:         "info",
		SearchResults:    defaultSearchResults,
		ProgressInterval: defaultProgressInterval,
		Binaries: Binaries{
			YtDlp:      ytdlp,
			Demucs:     filepath.Join(home, ".local", "share", "walker-yt", "venv", "bin", "demucs"),
			Player:     "mpv",
			Picker:     "walker",
			Notifier:   "notify-send",
			FFprobe:    "ffprobe",
			Thumbnails: "curl",
		},
		Separation: Separation{
			Model: defaultModel,
		},
		Sync: Sync{
			Method:            SyncMeasured,
			MaxMeasuredOffset: defaultMaxMeasuredOffset,
		},
	}
}

// Load resolves the configuration from defaults, the YAML file, a .env file
// in the working directory, and WALKER_YT_* environment variables, in that order.
func Load() (Config, error) {
	cfg := Default()

	path, err := ResolveConfigPath()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.mergeFile(path); err != nil {
		return Config{}, err
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	cfg.CacheDir = expandHome(cfg.CacheDir)
	cfg.LogFile = expandHome(cfg.LogFile)
	cfg.Binaries.Demucs = expandHome(cfg.Binaries.Demucs)
	cfg.Binaries.YtDlp = expandHome(cfg.Binaries.YtDlp)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ResolveConfigPath returns the YAML config location. The file may not exist.
func ResolveConfigPath() (string, error) {
	if path := strings.TrimSpace(os.Getenv(envPrefix + "CONFIG")); path != "" {
		return filepath.Abs(expandHome(path))
	}

	dir := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "walker-yt", "config.yaml"), nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.CacheDir, "CACHE_DIR")
	setString(&c.LogFile, "LOG_FILE")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.Binaries.YtDlp, "YTDLP")
	setString(&c.Binaries.Demucs, "DEMUCS")
	setString(&c.Binaries.Player, "PLAYER")
	setString(&c.Binaries.Picker, "PICKER")
	setString(&c.Binaries.Notifier, "NOTIFIER")
	setString(&c.Binaries.FFprobe, "FFPROBE")
	setString(&c.Binaries.Thumbnails, "THUMBNAILS")
	setString(&c.Separation.Model, "MODEL")
	setString(&c.Separation.Device, "DEVICE")
	setString(&c.Sync.Method, "SYNC_METHOD")
	setString(&c.AudioFormat, "AUDIO_FORMAT")

	if err := setInt(&c.SearchResults, "SEARCH_RESULTS"); err != nil {
		return err
	}
	if err := setInt(&c.Separation.Jobs, "JOBS"); err != nil {
		return err
	}
	if err := setMillis(&c.ProgressInterval, "PROGRESS_INTERVAL_MS"); err != nil {
		return err
	}
	if err := setMillis(&c.Sync.ModelLatency, "MODEL_LATENCY_MS"); err != nil {
		return err
	}
	return setMillis(&c.Sync.MaxMeasuredOffset, "MAX_MEASURED_OFFSET_MS")
}

// Validate rejects values the pipeline cannot work with and clamps the
// progress interval into its allowed range.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.CacheDir) == "" {
		problems = append(problems, "cache_dir is empty")
	}
	switch c.Sync.Method {
	case SyncFixed, SyncMeasured:
	default:
		problems = append(problems, fmt.Sprintf("unknown sync method %q", c.Sync.Method))
	}
	if !audioFormats[strings.ToLower(c.AudioFormat)] {
		problems = append(problems, fmt.Sprintf("unknown audio_format %q", c.AudioFormat))
	}
	if c.Sync.ModelLatency < 0 {
		problems = append(problems, "sync model_latency must not be negative")
	}
	if c.Sync.MaxMeasuredOffset < 0 {
		problems = append(problems, "sync max_measured_offset must not be negative")
	}
	if c.Separation.Jobs < 0 {
		problems = append(problems, "separation jobs must not be negative")
	}
	if strings.TrimSpace(c.Separation.Model) == "" {
		problems = append(problems, "separation model is empty")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}

	if c.SearchResults <= 0 {
		c.SearchResults = defaultSearchResults
	}
	c.AudioFormat = strings.ToLower(c.AudioFormat)
	c.ProgressInterval = ClampInterval(c.ProgressInterval)
	return nil
}

// ClampInterval bounds a progress sampling interval to 250ms..1s.
func ClampInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultProgressInterval
	}
	if d < minProgressInterval {
		return minProgressInterval
	}
	if d > maxProgressInterval {
		return maxProgressInterval
	}
	return d
}

func setString(dst *string, key string) {
	if value := strings.TrimSpace(os.Getenv(envPrefix + key)); value != "" {
		*dst = value
	}
}

func setInt(dst *int, key string) error {
	value := strings.TrimSpace(os.Getenv(envPrefix + key))
	if value == "" {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	*dst = n
	return nil
}

func setMillis(dst *time.Duration, key string) error {
	ms := -1
	if err := setInt(&ms, key); err != nil {
		return err
	}
	if ms >= 0 {
		*dst = time.Duration(ms) * time.Millisecond
	}
	return nil
}

func cacheHome(home string) string {
	if dir := strings.TrimSpace(os.Getenv("XDG_CACHE_HOME")); dir != "" {
		return dir
	}
	return filepath.Join(home, ".cache")
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
