// Package progress turns a running separation job into a stream of progress
// events suitable for a notifier.
package progress

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"walker-yt/internal/config"
	"walker-yt/internal/logging"
	"walker-yt/internal/models"
)

// Kind tells whether an event is a progress reading or terminal.
type Kind int

const (
	KindProgress Kind = iota
	KindDone
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindDone:
		return "done"
	case KindFailed:
		return "failed"
	default:
		return "progress"
	}
}

// Event is one observation of a job.
type Event struct {
	Percent int
	Kind    Kind
	// Err is set for KindFailed.
	Err error
}

// Source is what the monitor reads from. *separation.Job implements it.
type Source interface {
	Snapshot() models.SeparationJob
	Done() <-chan struct{}
	Err() error
	WorkDir() string
}

// Monitor samples jobs at a fixed interval and wakes early when the job's
// output directory changes.
type Monitor struct {
	interval time.Duration
	logger   logrus.FieldLogger
}

// NewMonitor returns a monitor sampling every interval, clamped to the
// supported range.
func NewMonitor(interval time.Duration, logger logrus.FieldLogger) *Monitor {
	return &Monitor{
		interval: config.ClampInterval(interval),
		logger:   logging.Component(logger, "progress"),
	}
}

// Observe streams events for src until it is terminal or ctx ends. The channel
// is closed in both cases. Cancelling ctx only detaches the observer.
//
// Percentages are emitted only when they increase. A succeeded job ends with a
// 100 reading followed by a KindDone event; a failed job ends with exactly one
// KindFailed event.
func (m *Monitor) Observe(ctx context.Context, src Source) <-chan Event {
	out := make(chan Event, 1)
	go m.run(ctx, src, out)
	return out
}

type observer struct {
	src      Source
	out      chan<- Event
	ctx      context.Context
	last     int
	lastEmit time.Time
}

func (m *Monitor) run(ctx context.Context, src Source, out chan<- Event) {
	defer close(out)

	o := &observer{src: src, out: out, ctx: ctx, last: -1}

	events, errs, closeWatcher := m.watch(src.WorkDir())
	defer closeWatcher()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	if !o.sample() {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-src.Done():
			o.finish()
			return
		case <-ticker.C:
			if !o.sample() {
				return
			}
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if time.Since(o.lastEmit) < m.interval {
				continue
			}
			before := o.lastEmit
			if !o.sample() {
				return
			}
			// the next tick must not follow this reading within an interval
			if !o.lastEmit.Equal(before) {
				ticker.Reset(m.interval)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			m.logger.Debugf("watcher error: %v", err)
		}
	}
}

// watch follows the job's output directory. Any failure leaves the monitor on
// the ticker alone.
func (m *Monitor) watch(dir string) (<-chan fsnotify.Event, <-chan error, func()) {
	noop := func() {}
	if dir == "" {
		return nil, nil, noop
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.logger.Debugf("watcher unavailable: %v", err)
		return nil, nil, noop
	}

	addRecursive(watcher, dir, m.logger)

	events := make(chan fsnotify.Event)
	done := make(chan struct{})
	go func() {
		defer close(events)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Create == fsnotify.Create {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						addRecursive(watcher, event.Name, m.logger)
					}
				}
				select {
				case events <- event:
				default:
				}
			case <-done:
				return
			}
		}
	}()

	return events, watcher.Errors, func() {
		close(done)
		watcher.Close()
	}
}

func addRecursive(watcher *fsnotify.Watcher, root string, logger logrus.FieldLogger) {
	filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := watcher.Add(p); err != nil {
				logger.Debugf("watch %s: %v", p, err)
			}
		}
		return nil
	})
}

// sample emits the current percentage if it moved forward. It reports false
// once the observer should stop.
func (o *observer) sample() bool {
	pct := clamp(o.src.Snapshot().Percent)
	if pct <= o.last {
		return true
	}
	return o.emit(Event{Percent: pct, Kind: KindProgress})
}

func (o *observer) finish() {
	snap := o.src.Snapshot()
	switch snap.Status {
	case models.JobSucceeded:
		if o.last < 100 && !o.emit(Event{Percent: 100, Kind: KindProgress}) {
			return
		}
		o.emit(Event{Percent: 100, Kind: KindDone})
	default:
		err := o.src.Err()
		if err == nil {
			err = &models.SeparationError{MediaID: snap.MediaID, Detail: snap.ErrorDetail}
		}
		pct := o.last
		if pct < 0 {
			pct = 0
		}
		o.emit(Event{Percent: pct, Kind: KindFailed, Err: err})
	}
}

func (o *observer) emit(ev Event) bool {
	select {
	case o.out <- ev:
		if ev.Kind == KindProgress {
			o.last = ev.Percent
			o.lastEmit = time.Now()
		}
		return true
	case <-o.ctx.Done():
		return false
	}
}

func clamp(pct int) int {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
