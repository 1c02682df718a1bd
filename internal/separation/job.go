package separation

import (
	"bytes"
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"walker-yt/internal/models"
)

const (
	tailLimit   = 8 * 1024
	detailLines = 20
)

var percentPattern = regexp.MustCompile(`(\d{1,3})%`)

// Job is a handle on one separation run. All state changes happen inside the
// runner; callers only read.
type Job struct {
	id        string
	mediaID   models.MediaID
	audioPath string
	workDir   string
	done      chan struct{}

	mu       sync.RWMutex
	status   models.JobStatus
	percent  int
	err      error
	started  time.Time
	finished time.Time

	// stderr parsing state, only touched from Write
	partial []byte
	tail    []byte
}

func newJob(id string, mediaID models.MediaID, audioPath, workDir string) *Job {
	return &Job{
		id:        id,
		mediaID:   mediaID,
		audioPath: audioPath,
		workDir:   workDir,
		status:    models.JobPending,
		done:      make(chan struct{}),
	}
}

// ID returns the job's unique id.
func (j *Job) ID() string { return j.id }

// MediaID returns the media the job separates.
func (j *Job) MediaID() models.MediaID { return j.mediaID }

// WorkDir is where the separation process writes its partial output.
func (j *Job) WorkDir() string { return j.workDir }

// Done is closed when the job reaches Succeeded or Failed. For Succeeded the
// cache already holds the stems by then.
func (j *Job) Done() <-chan struct{} { return j.done }

// Snapshot returns the current job state.
func (j *Job) Snapshot() models.SeparationJob {
	j.mu.RLock()
	defer j.mu.RUnlock()

	snap := models.SeparationJob{
		ID:         j.id,
		MediaID:    j.mediaID,
		Status:     j.status,
		Percent:    j.percent,
		StartedAt:  j.started,
		FinishedAt: j.finished,
	}
	if j.status == models.JobFailed && j.err != nil {
		snap.ErrorDetail = j.err.Error()
		if sepErr, ok := j.err.(*models.SeparationError); ok && sepErr.Detail != "" {
			snap.ErrorDetail = sepErr.Detail
		}
	}
	return snap
}

// Err returns the failure of a Failed job, nil otherwise.
func (j *Job) Err() error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.err
}

// Wait blocks until the job is terminal or ctx ends. Cancelling ctx does not
// affect the job.
func (j *Job) Wait(ctx context.Context) (models.SeparationJob, error) {
	select {
	case <-j.done:
		snap := j.Snapshot()
		return snap, j.Err()
	case <-ctx.Done():
		return j.Snapshot(), ctx.Err()
	}
}

func (j *Job) setRunning(now time.Time) {
	j.mu.Lock()
	j.status = models.JobRunning
	j.started = now
	j.mu.Unlock()
}

// raise moves the percentage forward; lower or out of range readings are
// clamped and never regress the value.
func (j *Job) raise(pct int) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status == models.JobRunning && pct > j.percent {
		j.percent = pct
	}
}

func (j *Job) succeed(now time.Time) {
	j.mu.Lock()
	j.status = models.JobSucceeded
	j.percent = 100
	j.finished = now
	j.mu.Unlock()
}

func (j *Job) fail(now time.Time, err error) {
	j.mu.Lock()
	j.status = models.JobFailed
	j.err = err
	j.finished = now
	j.mu.Unlock()
}

// Write consumes the separation process's stderr. tqdm redraws its bar with
// carriage returns, so both \r and \n end a segment.
func (j *Job) Write(p []byte) (int, error) {
	j.tail = append(j.tail, p...)
	if len(j.tail) > tailLimit {
		j.tail = j.tail[len(j.tail)-tailLimit:]
	}

	j.partial = append(j.partial, p...)
	for {
		idx := bytes.IndexAny(j.partial, "\r\n")
		if idx < 0 {
			break
		}
		j.scan(j.partial[:idx])
		j.partial = j.partial[idx+1:]
	}
	return len(p), nil
}

// flush scans an unterminated final segment once the process has exited.
func (j *Job) flush() {
	if len(j.partial) > 0 {
		j.scan(j.partial)
		j.partial = nil
	}
}

func (j *Job) scan(segment []byte) {
	matches := percentPattern.FindAllSubmatch(segment, -1)
	if len(matches) == 0 {
		return
	}
	pct, err := strconv.Atoi(string(matches[len(matches)-1][1]))
	if err != nil {
		return
	}
	j.raise(pct)
}

// diagnostic returns the last lines of stderr with progress redraws removed.
func (j *Job) diagnostic() string {
	text := strings.ReplaceAll(string(j.tail), "\r", "\n")
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || percentPattern.MatchString(line) && strings.Contains(line, "|") {
			continue
		}
		lines = append(lines, line)
	}
	if len(lines) > detailLines {
		lines = lines[len(lines)-detailLines:]
	}
	return strings.Join(lines, "\n")
}
