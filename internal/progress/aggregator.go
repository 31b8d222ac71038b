// Package progress turns per-segment byte deltas into throttled task snapshots.
package progress

import (
	"sync"
	"time"

	"github.com/italolelis/rangefetch/internal/clock"
	"github.com/italolelis/rangefetch/internal/segment"
	"github.com/italolelis/rangefetch/internal/storage"
	"golang.org/x/time/rate"
)

// SegmentProgress is the per-segment detail of a snapshot.
type SegmentProgress struct {
	Index      int                   `json:"index"`
	Start      int64                 `json:"start"`
	End        int64                 `json:"end"`
	Downloaded int64                 `json:"downloaded"`
	Status     storage.SegmentStatus `json:"status"`
}

// Snapshot is the progress of one task at an instant. Speed is in bytes per second;
// ETA is only meaningful when ETAKnown is set.
type Snapshot struct {
	TaskID     string             `json:"id"`
	Status     storage.TaskStatus `json:"status"`
	Downloaded int64              `json:"downloaded"`
	TotalSize  int64              `json:"total_size"`
	Speed      float64            `json:"speed"`
	ETA        time.Duration      `json:"eta"`
	ETAKnown   bool               `json:"eta_known"`
	Segments   []SegmentProgress  `json:"segments"`
	Error      string             `json:"error,omitempty"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

type Config struct {
	// Interval is the minimum time between two throttled snapshots of a task.
	Interval time.Duration
	// Window is the span of deltas speed is averaged over.
	Window time.Duration
	Clock  clock.Clock
}

type sample struct {
	at    time.Time
	delta int64
}

type taskState struct {
	snap    Snapshot
	index   map[int]int
	window  []sample
	since   time.Time
	limiter *rate.Limiter
}

// Aggregator keeps a sliding window of deltas per task. Observe emits at most one snapshot
// per Interval per task; status changes are always emitted.
type Aggregator struct {
	cfg Config

	mu      sync.Mutex
	tasks   map[string]*taskState
	subs    map[int]func(Snapshot)
	nextSub int
}

func NewAggregator(cfg Config) *Aggregator {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}

	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Second
	}

	return &Aggregator{
		cfg:   cfg,
		tasks: make(map[string]*taskState),
		subs:  make(map[int]func(Snapshot)),
	}
}

// Subscribe registers fn for every emitted snapshot and returns a function removing it.
// fn runs on the goroutine that produced the event and must not block.
func (a *Aggregator) Subscribe(fn func(Snapshot)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := a.nextSub
	a.nextSub++
	a.subs[id] = fn

	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()

		delete(a.subs, id)
	}
}

// Track starts or restarts tracking a task with its current segments and emits a snapshot.
func (a *Aggregator) Track(task *storage.Task, segments []*storage.Segment) {
	now := a.cfg.Clock.Now()

	st := &taskState{
		snap: Snapshot{
			TaskID:    task.ID,
			Status:    task.Status,
			TotalSize: task.TotalSize,
			Error:     task.Error,
			Segments:  make([]SegmentProgress, 0, len(segments)),
		},
		index:   make(map[int]int, len(segments)),
		since:   now,
		limiter: a.newLimiter(),
	}

	for i, s := range segments {
		st.index[s.Index] = i
		st.snap.Segments = append(st.snap.Segments, SegmentProgress{
			Index:      s.Index,
			Start:      s.Start,
			End:        s.End,
			Downloaded: s.Downloaded,
			Status:     s.Status,
		})
		st.snap.Downloaded += s.Downloaded
	}

	a.mu.Lock()
	a.tasks[task.ID] = st
	snap, subs := a.build(st, now), a.subscribers()
	a.mu.Unlock()

	publish(subs, snap)
}

// Observe applies one worker event.
func (a *Aggregator) Observe(e segment.Event) {
	now := a.cfg.Clock.Now()

	a.mu.Lock()

	st, ok := a.tasks[e.TaskID]
	if !ok {
		a.mu.Unlock()

		return
	}

	if i, ok := st.index[e.Index]; ok {
		st.snap.Segments[i].Downloaded = e.Downloaded
		st.snap.Segments[i].Status = storage.SegmentActive
	}

	st.snap.Downloaded += e.Delta
	st.window = append(st.window, sample{at: now, delta: e.Delta})

	if !st.limiter.AllowN(now, 1) {
		a.mu.Unlock()

		return
	}

	snap, subs := a.build(st, now), a.subscribers()
	a.mu.Unlock()

	publish(subs, snap)
}

// SetStatus records a task transition and emits a snapshot regardless of the throttle.
func (a *Aggregator) SetStatus(taskID string, status storage.TaskStatus, errMsg string) {
	now := a.cfg.Clock.Now()

	a.mu.Lock()

	st, ok := a.tasks[taskID]
	if !ok {
		a.mu.Unlock()

		return
	}

	st.snap.Status = status
	st.snap.Error = errMsg

	if status != storage.TaskDownloading {
		st.window = nil
	}

	snap, subs := a.build(st, now), a.subscribers()
	a.mu.Unlock()

	publish(subs, snap)
}

// SetSegments replaces the segment detail of a tracked task, e.g. after a worker run.
func (a *Aggregator) SetSegments(taskID string, total int64, segments []*storage.Segment) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.tasks[taskID]
	if !ok {
		return
	}

	st.snap.TotalSize = total
	st.snap.Downloaded = 0
	st.snap.Segments = st.snap.Segments[:0]
	st.index = make(map[int]int, len(segments))

	for i, s := range segments {
		st.index[s.Index] = i
		st.snap.Segments = append(st.snap.Segments, SegmentProgress{
			Index:      s.Index,
			Start:      s.Start,
			End:        s.End,
			Downloaded: s.Downloaded,
			Status:     s.Status,
		})
		st.snap.Downloaded += s.Downloaded
	}
}

// Untrack forgets a task.
func (a *Aggregator) Untrack(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.tasks, taskID)
}

// Snapshot returns the current progress of a tracked task.
func (a *Aggregator) Snapshot(taskID string) (Snapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.tasks[taskID]
	if !ok {
		return Snapshot{}, false
	}

	return a.build(st, a.cfg.Clock.Now()), true
}

func (a *Aggregator) newLimiter() *rate.Limiter {
	if a.cfg.Interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}

	return rate.NewLimiter(rate.Every(a.cfg.Interval), 1)
}

// build prunes the window and computes speed and ETA. Callers hold a.mu.
func (a *Aggregator) build(st *taskState, now time.Time) Snapshot {
	cutoff := now.Add(-a.cfg.Window)

	keep := 0
	for keep < len(st.window) && st.window[keep].at.Before(cutoff) {
		keep++
	}

	st.window = st.window[keep:]

	var sum int64
	for _, s := range st.window {
		sum += s.delta
	}

	elapsed := now.Sub(st.since)
	if elapsed > a.cfg.Window {
		elapsed = a.cfg.Window
	}

	snap := st.snap
	snap.Segments = append([]SegmentProgress(nil), st.snap.Segments...)
	snap.UpdatedAt = now
	snap.Speed = 0
	snap.ETA = 0
	snap.ETAKnown = false

	if elapsed > 0 && sum > 0 {
		snap.Speed = float64(sum) / elapsed.Seconds()
	}

	if snap.Speed >= 1 && snap.TotalSize >= 0 {
		remaining := max(snap.TotalSize-snap.Downloaded, 0)
		snap.ETA = time.Duration(float64(remaining) / snap.Speed * float64(time.Second))
		snap.ETAKnown = true
	}

	return snap
}

func (a *Aggregator) subscribers() []func(Snapshot) {
	subs := make([]func(Snapshot), 0, len(a.subs))
	for _, fn := range a.subs {
		subs = append(subs, fn)
	}

	return subs
}

func publish(subs []func(Snapshot), snap Snapshot) {
	for _, fn := range subs {
		fn(snap)
	}
}
