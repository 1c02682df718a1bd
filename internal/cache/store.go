package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"walker-yt/internal/logging"
	"walker-yt/internal/models"
)

// Artifact names a file kind inside an entry directory.
type Artifact string

const (
	ArtifactAudio        Artifact = "audio"
	ArtifactVideo        Artifact = "video"
	ArtifactVocals       Artifact = "vocals"
	ArtifactInstrumental Artifact = "instrumental"
)

const indexFile = "index.db"

// entryRecord is the index row backing a models.CacheEntry.
type entryRecord struct {
	ID               string `gorm:"primaryKey"`
	Title            string
	AudioPath        string
	VideoPath        string
	VocalsPath       string
	InstrumentalPath string
	DurationSeconds  *float64
	CreatedAt        time.Time
	LastAccessedAt   time.Time
}

func (entryRecord) TableName() string { return "entries" }

// Store is the content-addressed media cache. Every path it hands out lives in
// <root>/<media id>/, so work on different ids never collides.
type Store struct {
	root   string
	db     *gorm.DB
	logger logrus.FieldLogger
	now    func() time.Time

	// mu serializes read-modify-write cycles on index rows within the process.
	mu sync.Mutex
}

// Open creates the cache root if needed and opens its index.
func Open(root string, logger logrus.FieldLogger) (*Store, error) {
	logger = logging.Component(logger, "cache")

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, ioErr("resolve root", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, ioErr("create root", abs, err)
	}

	dsn := filepath.Join(abs, indexFile) + "?_busy_timeout=5000&_journal_mode=WAL"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.New(logger, gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			ParameterizedQueries:      true,
		}),
	})
	if err != nil {
		return nil, ioErr("open index", dsn, err)
	}
	if err := db.AutoMigrate(&entryRecord{}); err != nil {
		return nil, ioErr("migrate index", dsn, err)
	}

	return &Store{root: abs, db: db, logger: logger, now: time.Now}, nil
}

// Close releases the index database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Root returns the absolute cache directory.
func (s *Store) Root() string {
	return s.root
}

// Dir returns the entry directory for id.
func (s *Store) Dir(id models.MediaID) (string, error) {
	if !id.Valid() {
		return "", ioErr("resolve dir", string(id), models.ErrInvalidReference)
	}
	return filepath.Join(s.root, string(id)), nil
}

// PathFor returns the deterministic location of an artifact. ext may be given
// with or without the leading dot.
func (s *Store) PathFor(id models.MediaID, kind Artifact, ext string) (string, error) {
	dir, err := s.Dir(id)
	if err != nil {
		return "", err
	}
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		return filepath.Join(dir, string(kind)), nil
	}
	return filepath.Join(dir, string(kind)+"."+ext), nil
}

// WorkDir is scratch space for the separation process of id.
func (s *Store) WorkDir(id models.MediaID) (string, error) {
	dir, err := s.Dir(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "work"), nil
}

// ThumbnailPath returns where the preview image of id is kept.
func (s *Store) ThumbnailPath(id models.MediaID) string {
	return filepath.Join(s.root, "thumbs", string(id)+".jpg")
}

// Lookup returns the entry for id, or nil when nothing is cached. Recorded files
// that disappeared from disk are dropped from the entry.
func (s *Store) Lookup(id models.MediaID) (*models.CacheEntry, error) {
	if !id.Valid() {
		return nil, ioErr("lookup", string(id), models.ErrInvalidReference)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var rec entryRecord
	err := s.db.First(&rec, "id = ?", string(id)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, ioErr("lookup", string(id), err)
	}

	stale := map[string]any{}
	for column, path := range map[string]*string{
		"audio_path":        &rec.AudioPath,
		"video_path":        &rec.VideoPath,
		"vocals_path":       &rec.VocalsPath,
		"instrumental_path": &rec.InstrumentalPath,
	} {
		if *path == "" {
			continue
		}
		if _, err := os.Stat(*path); err != nil {
			s.logger.WithField("media_id", id).Warnf("cached file %s is gone: %v", *path, err)
			*path = ""
			stale[column] = ""
		}
	}
	if len(stale) > 0 {
		if err := s.db.Model(&entryRecord{}).Where("id = ?", rec.ID).Updates(stale).Error; err != nil {
			return nil, ioErr("clear stale", string(id), err)
		}
	}

	entry := rec.toModel()
	return &entry, nil
}

// Reserve returns the entry for id, creating an empty one and its directory
// when absent. Calling it repeatedly yields the same backing paths.
func (s *Store) Reserve(id models.MediaID) (models.CacheEntry, error) {
	dir, err := s.Dir(id)
	if err != nil {
		return models.CacheEntry{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return models.CacheEntry{}, ioErr("reserve", dir, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.reserveLocked(id)
	if err != nil {
		return models.CacheEntry{}, err
	}
	return rec.toModel(), nil
}

func (s *Store) reserveLocked(id models.MediaID) (entryRecord, error) {
	now := s.now().UTC()
	rec := entryRecord{ID: string(id), CreatedAt: now, LastAccessedAt: now}
	if err := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error; err != nil {
		return entryRecord{}, ioErr("reserve", string(id), err)
	}
	if err := s.db.First(&rec, "id = ?", string(id)).Error; err != nil {
		return entryRecord{}, ioErr("reserve", string(id), err)
	}
	return rec, nil
}

// RecordAudio stores the downloaded audio path for id.
func (s *Store) RecordAudio(id models.MediaID, path string) error {
	return s.record(id, map[string]string{"audio_path": path})
}

// RecordVideo stores the downloaded video path for id.
func (s *Store) RecordVideo(id models.MediaID, path string) error {
	return s.record(id, map[string]string{"video_path": path})
}

// RecordStems stores both separated stems for id in one update.
func (s *Store) RecordStems(id models.MediaID, vocalsPath, instrumentalPath string) error {
	return s.record(id, map[string]string{
		"vocals_path":       vocalsPath,
		"instrumental_path": instrumentalPath,
	})
}

// record writes the given path columns. Paths equal to the recorded ones are
// skipped; replaced files are left on disk.
func (s *Store) record(id models.MediaID, paths map[string]string) error {
	dir, err := s.Dir(id)
	if err != nil {
		return err
	}

	updates := make(map[string]any, len(paths))
	for column, path := range paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			return ioErr("record", path, err)
		}
		if rel, err := filepath.Rel(dir, abs); err != nil || strings.HasPrefix(rel, "..") {
			return ioErr("record", abs, fmt.Errorf("path is outside %s", dir))
		}
		updates[column] = abs
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.reserveLocked(id)
	if err != nil {
		return err
	}
	current := rec.paths()
	for column, path := range updates {
		if current[column] == path {
			delete(updates, column)
		} else if current[column] != "" {
			s.logger.WithField("media_id", id).Infof("replacing %s %s with %s", column, current[column], path)
		}
	}
	if len(updates) == 0 {
		return nil
	}

	if err := s.db.Model(&entryRecord{}).Where("id = ?", string(id)).Updates(updates).Error; err != nil {
		return ioErr("record", string(id), err)
	}
	return nil
}

// SetMetadata stores the title and duration reported by the downloader.
// Empty values leave the stored ones untouched.
func (s *Store) SetMetadata(id models.MediaID, title string, durationSeconds float64) error {
	updates := map[string]any{}
	if title = strings.TrimSpace(title); title != "" {
		updates["title"] = title
	}
	if durationSeconds > 0 {
		updates["duration_seconds"] = durationSeconds
	}
	if len(updates) == 0 {
		return nil
	}
	return s.update(id, "set metadata", updates)
}

// Touch records an access to id.
func (s *Store) Touch(id models.MediaID) error {
	return s.update(id, "touch", map[string]any{"last_accessed_at": s.now().UTC()})
}

func (s *Store) update(id models.MediaID, op string, updates map[string]any) error {
	if !id.Valid() {
		return ioErr(op, string(id), models.ErrInvalidReference)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.reserveLocked(id); err != nil {
		return err
	}
	if err := s.db.Model(&entryRecord{}).Where("id = ?", string(id)).Updates(updates).Error; err != nil {
		return ioErr(op, string(id), err)
	}
	return nil
}

// List returns all entries, most recently used first.
func (s *Store) List() ([]models.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var recs []entryRecord
	if err := s.db.Order("last_accessed_at DESC").Find(&recs).Error; err != nil {
		return nil, ioErr("list", s.root, err)
	}

	entries := make([]models.CacheEntry, 0, len(recs))
	for _, rec := range recs {
		entries = append(entries, rec.toModel())
	}
	return entries, nil
}

// Remove evicts id: its index row, directory and thumbnail. The core never
// calls this; it backs manual eviction.
func (s *Store) Remove(id models.MediaID) error {
	dir, err := s.Dir(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Delete(&entryRecord{}, "id = ?", string(id)).Error; err != nil {
		return ioErr("remove", string(id), err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return ioErr("remove", dir, err)
	}
	if err := os.Remove(s.ThumbnailPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return ioErr("remove", s.ThumbnailPath(id), err)
	}
	return nil
}

func (r entryRecord) paths() map[string]string {
	return map[string]string{
		"audio_path":        r.AudioPath,
		"video_path":        r.VideoPath,
		"vocals_path":       r.VocalsPath,
		"instrumental_path": r.InstrumentalPath,
	}
}

func (r entryRecord) toModel() models.CacheEntry {
	return models.CacheEntry{
		ID:               models.MediaID(r.ID),
		Title:            r.Title,
		AudioPath:        r.AudioPath,
		VideoPath:        r.VideoPath,
		VocalsPath:       r.VocalsPath,
		InstrumentalPath: r.InstrumentalPath,
		DurationSeconds:  r.DurationSeconds,
		CreatedAt:        r.CreatedAt,
		LastAccessedAt:   r.LastAccessedAt,
	}
}

func ioErr(op, path string, err error) error {
	return &models.CacheIOError{Op: op, Path: path, Err: err}
}
