// Package separation runs the demucs source separation process against cached
// audio and records the resulting stems.
package separation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/cpu"
	"github.com/sirupsen/logrus"

	"walker-yt/internal/cache"
	"walker-yt/internal/logging"
	"walker-yt/internal/models"
	"walker-yt/internal/process"
)

// demucs --two-stems=vocals writes these two files per track.
const (
	vocalsFile    = "vocals.wav"
	remainderFile = "no_vocals.wav"
	stemExt       = "wav"
)

// Store is the part of the cache the runner writes through.
type Store interface {
	WorkDir(id models.MediaID) (string, error)
	PathFor(id models.MediaID, kind cache.Artifact, ext string) (string, error)
	RecordStems(id models.MediaID, vocalsPath, instrumentalPath string) error
}

// Config describes the demucs invocation.
type Config struct {
	Binary string
	Model  string
	Device string
	// Jobs is passed as -j. Zero uses the physical core count.
	Jobs int
}

// Runner starts separation jobs and guarantees at most one running job per
// media id.
type Runner struct {
	cfg    Config
	store  Store
	group  *process.Group
	logger logrus.FieldLogger
	now    func() time.Time

	mu   sync.Mutex
	jobs map[models.MediaID]*Job
}

// NewRunner returns a runner. Processes are tracked in group so they can be
// killed on shutdown; a nil group creates a private one.
func NewRunner(cfg Config, store Store, group *process.Group, logger logrus.FieldLogger) *Runner {
	if group == nil {
		group = process.NewGroup()
	}
	if cfg.Model == "" {
		cfg.Model = "htdemucs"
	}
	if cfg.Jobs == 0 {
		if cores, err := cpu.Counts(false); err == nil && cores > 0 {
			cfg.Jobs = cores
		}
	}

	return &Runner{
		cfg:    cfg,
		store:  store,
		group:  group,
		logger: logging.Component(logger, "separation"),
		now:    time.Now,
		jobs:   make(map[models.MediaID]*Job),
	}
}

// Start launches separation of audioPath for id and returns without waiting.
// If a job for id is already pending or running, that job is returned and no
// new process is spawned.
//
// ctx only gates the start; once spawned the job outlives it.
func (r *Runner) Start(ctx context.Context, id models.MediaID, audioPath string) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.jobs[id]; ok && existing.Snapshot().Status.IsActive() {
		r.logger.WithFields(logrus.Fields{"media_id": id, "job": existing.ID()}).Info("attaching to running separation")
		return existing, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(audioPath); err != nil {
		return nil, &models.SeparationError{MediaID: id, Err: fmt.Errorf("input audio: %w", err)}
	}

	workDir, err := r.store.WorkDir(id)
	if err != nil {
		return nil, err
	}
	if err := os.RemoveAll(workDir); err != nil {
		return nil, &models.CacheIOError{Op: "clean work dir", Path: workDir, Err: err}
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, &models.CacheIOError{Op: "create work dir", Path: workDir, Err: err}
	}

	job := newJob(uuid.NewString(), id, audioPath, workDir)
	log := r.logger.WithFields(logrus.Fields{"media_id": id, "job": job.ID()})

	args := r.args(audioPath, workDir)
	log.Infof("%s %s", r.cfg.Binary, strings.Join(args, " "))

	handle, err := process.Spawn(r.cfg.Binary, args, process.Options{Stderr: job, Stdout: job})
	if err != nil {
		return nil, &models.SeparationError{MediaID: id, ExitCode: -1, Err: err}
	}
	r.group.Track(handle)

	job.setRunning(r.now())
	r.jobs[id] = job
	go r.finish(job, handle, log)

	return job, nil
}

// Active returns the pending or running job for id, if any.
func (r *Runner) Active(id models.MediaID) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok || !job.Snapshot().Status.IsActive() {
		return nil, false
	}
	return job, true
}

// Wait blocks until no job is pending or running, or until ctx ends.
func (r *Runner) Wait(ctx context.Context) error {
	for {
		var job *Job
		r.mu.Lock()
		for _, j := range r.jobs {
			job = j
			break
		}
		r.mu.Unlock()
		if job == nil {
			return nil
		}

		select {
		case <-job.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Shutdown kills every running separation process. It is only meant for
// launcher exit; jobs are otherwise never killed.
func (r *Runner) Shutdown() error {
	return r.group.KillAll()
}

func (r *Runner) args(audioPath, workDir string) []string {
	args := []string{"-n", r.cfg.Model, "--two-stems=vocals", "-o", workDir}
	if r.cfg.Device != "" {
		args = append(args, "-d", r.cfg.Device)
	}
	if r.cfg.Jobs > 0 {
		args = append(args, "-j", strconv.Itoa(r.cfg.Jobs))
	}
	return append(args, audioPath)
}

func (r *Runner) finish(job *Job, handle *process.Handle, log logrus.FieldLogger) {
	waitErr := handle.Wait()
	job.flush()

	var err error
	if waitErr != nil {
		err = &models.SeparationError{
			MediaID:  job.MediaID(),
			ExitCode: handle.ExitCode(),
			Detail:   job.diagnostic(),
			Err:      waitErr,
		}
	} else {
		err = r.collect(job)
	}

	if err != nil {
		log.WithError(err).Error("separation failed")
		job.fail(r.now(), err)
	} else {
		log.Info("separation finished")
		job.succeed(r.now())
	}

	r.mu.Lock()
	if r.jobs[job.MediaID()] == job {
		delete(r.jobs, job.MediaID())
	}
	r.mu.Unlock()

	close(job.done)
}

// collect moves the stems out of the work dir into their cache locations and
// records them.
func (r *Runner) collect(job *Job) error {
	track := strings.TrimSuffix(filepath.Base(job.audioPath), filepath.Ext(job.audioPath))
	outDir := filepath.Join(job.WorkDir(), r.cfg.Model, track)

	produced := map[cache.Artifact]string{
		cache.ArtifactVocals:       filepath.Join(outDir, vocalsFile),
		cache.ArtifactInstrumental: filepath.Join(outDir, remainderFile),
	}
	for _, path := range produced {
		if _, err := os.Stat(path); err != nil {
			return &models.SeparationError{
				MediaID: job.MediaID(),
				Detail:  job.diagnostic(),
				Err:     fmt.Errorf("missing output %s: %w", filepath.Base(path), err),
			}
		}
	}

	final := make(map[cache.Artifact]string, len(produced))
	for kind, src := range produced {
		dst, err := r.store.PathFor(job.MediaID(), kind, stemExt)
		if err != nil {
			return err
		}
		if err := os.Rename(src, dst); err != nil {
			return &models.CacheIOError{Op: "move stem", Path: dst, Err: err}
		}
		final[kind] = dst
	}

	if err := r.store.RecordStems(job.MediaID(), final[cache.ArtifactVocals], final[cache.ArtifactInstrumental]); err != nil {
		return err
	}

	if err := os.RemoveAll(job.WorkDir()); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.logger.WithField("media_id", job.MediaID()).Warnf("could not clean %s: %v", job.WorkDir(), err)
	}
	return nil
}
