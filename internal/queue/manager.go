// Package queue is the durable, concurrency-bounded scheduler of download tasks.
package queue

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"github.com/italolelis/rangefetch/internal/clock"
	"github.com/italolelis/rangefetch/internal/downloader"
	"github.com/italolelis/rangefetch/internal/logctx"
	"github.com/italolelis/rangefetch/internal/merge"
	"github.com/italolelis/rangefetch/internal/progress"
	"github.com/italolelis/rangefetch/internal/segment"
	"github.com/italolelis/rangefetch/internal/storage"
	"github.com/italolelis/rangefetch/internal/telemetry"
	"github.com/italolelis/rangefetch/internal/transfer"
)

var (
	// ErrInvalidTransition means the requested control action does not apply to the task's status.
	ErrInvalidTransition = errors.New("invalid task transition")
	// ErrClosed means the manager is shutting down.
	ErrClosed = errors.New("queue manager is closed")
)

const eventBuffer = 16

// Prober learns size and range support of a resource.
type Prober interface {
	Probe(ctx context.Context, url string, headers map[string]string) (*transfer.ResourceInfo, error)
}

// Runner drives the segment workers of one task.
type Runner interface {
	Run(ctx context.Context, task *storage.Task, segments []*storage.Segment, onProgress func(segment.Event)) downloader.Result
}

// Merger assembles completed segments into the output file.
type Merger interface {
	Merge(ctx context.Context, parts []merge.Part, dest string, total int64) (merge.Strategy, error)
}

// Settings are the scheduler limits and defaults.
type Settings struct {
	MaxConcurrent     int
	MaxConnections    int
	MinSegmentSize    int64
	DownloadDir       string
	TempDir           string
	AdmissionInterval time.Duration
	InstanceID        string
}

// run is one admitted task: probing, downloading or merging in this process.
type run struct {
	cancel  context.CancelFunc
	intent  Action
	started time.Time
	done    chan struct{}
}

// Manager owns admission and every task transition. All of its state besides the active
// runs is read from the repository, so a restarted process reconstructs it from the store.
type Manager struct {
	repo      storage.TaskRepository
	prober    Prober
	runner    Runner
	merger    Merger
	progress  *progress.Aggregator
	clock     clock.Clock
	settings  Settings
	telemetry *telemetry.Telemetry

	claimMu sync.Mutex

	mu       sync.Mutex
	active   map[string]*run
	deferred map[string]time.Time
	started  bool
	closed   bool
	baseCtx  context.Context
	stop     context.CancelFunc

	wake     chan struct{}
	loopDone chan struct{}
	runs     sync.WaitGroup

	OnTaskCompleted chan *storage.Task
	OnTaskFailed    chan *storage.Task
}

func NewManager(
	repo storage.TaskRepository,
	prober Prober,
	runner Runner,
	merger Merger,
	agg *progress.Aggregator,
	clk clock.Clock,
	settings Settings,
	tel *telemetry.Telemetry,
) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}

	if settings.MaxConcurrent <= 0 {
		settings.MaxConcurrent = 1
	}

	if settings.MaxConnections <= 0 {
		settings.MaxConnections = 1
	}

	if settings.AdmissionInterval <= 0 {
		settings.AdmissionInterval = 5 * time.Second
	}

	if settings.InstanceID == "" {
		settings.InstanceID = downloader.GenerateInstanceID()
	}

	return &Manager{
		repo:            repo,
		prober:          prober,
		runner:          runner,
		merger:          merger,
		progress:        agg,
		clock:           clk,
		settings:        settings,
		telemetry:       tel,
		active:          make(map[string]*run),
		deferred:        make(map[string]time.Time),
		wake:            make(chan struct{}, 1),
		loopDone:        make(chan struct{}),
		OnTaskCompleted: make(chan *storage.Task, eventBuffer),
		OnTaskFailed:    make(chan *storage.Task, eventBuffer),
	}
}

// Start pauses every task a previous process left active and starts admitting queued tasks.
// Runs stop when ctx is cancelled or Shutdown is called.
func (m *Manager) Start(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	m.mu.Lock()
	if m.started || m.closed {
		m.mu.Unlock()

		return ErrClosed
	}

	m.started = true
	m.baseCtx, m.stop = context.WithCancel(ctx)
	m.mu.Unlock()

	recovered, err := m.repo.RecoverInterrupted(ctx)
	if err != nil {
		m.stop()
		close(m.loopDone)

		return err
	}

	if recovered > 0 {
		logger.InfoContext(ctx, "paused tasks interrupted by a previous run", "count", recovered)
	}

	go m.admissionLoop(m.baseCtx)

	return nil
}

// Shutdown stops admission, pauses running tasks and waits for their checkpoints.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()

		return nil
	}

	m.closed = true
	started := m.started
	stop := m.stop
	m.mu.Unlock()

	if !started {
		return nil
	}

	stop()

	done := make(chan struct{})

	go func() {
		<-m.loopDone
		m.runs.Wait()
		close(done)
	}()

	select {
	case <-done:
		close(m.OnTaskCompleted)
		close(m.OnTaskFailed)

		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// admissionLoop re-evaluates admission whenever a slot may have freed, a task was queued,
// or the interval elapsed.
func (m *Manager) admissionLoop(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("admission loop panic",
				"operation", "admission",
				"panic", r,
				"stack", string(debug.Stack()))

			m.telemetry.RecordSystemError("queue", "panic")

			if ctx.Err() == nil {
				logger.Info("restarting admission loop after panic")
				time.Sleep(time.Second)
				m.admissionLoop(ctx)

				return
			}
		}

		close(m.loopDone)
	}()

	ticker := time.NewTicker(m.settings.AdmissionInterval)
	defer ticker.Stop()

	for {
		if err := m.admit(ctx); err != nil && ctx.Err() == nil {
			logger.Error("failed to admit tasks", "err", err)
		}

		select {
		case <-ctx.Done():
			logger.Info("admission loop shutdown", "reason", "context_cancelled")

			return
		case <-m.wake:
		case <-ticker.C:
		}
	}
}

// admit starts queued tasks in priority then insertion order while slots are free.
func (m *Manager) admit(ctx context.Context) error {
	if m.freeSlots() == 0 {
		return nil
	}

	queued, err := m.repo.ListTasks(ctx, storage.TaskQueued)
	if err != nil {
		return err
	}

	now := m.clock.Now()

	for _, task := range queued {
		m.mu.Lock()

		if m.closed || len(m.active) >= m.settings.MaxConcurrent {
			m.mu.Unlock()

			logctx.LoggerFromContext(ctx).DebugContext(ctx, "admission deferred, concurrency limit reached",
				"limit", m.settings.MaxConcurrent)

			return nil
		}

		if _, running := m.active[task.ID]; running {
			m.mu.Unlock()

			continue
		}

		if until, ok := m.deferred[task.ID]; ok && now.Before(until) {
			m.mu.Unlock()

			continue
		}

		delete(m.deferred, task.ID)

		runCtx, cancel := context.WithCancel(m.baseCtx)
		r := &run{cancel: cancel, started: m.clock.Now(), done: make(chan struct{})}
		m.active[task.ID] = r
		m.runs.Add(1)
		m.mu.Unlock()

		m.telemetry.IncrementActiveTasks()

		go m.runTask(runCtx, r, task)
	}

	return nil
}

func (m *Manager) freeSlots() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0
	}

	return max(m.settings.MaxConcurrent-len(m.active), 0)
}

// release frees the slot of a finished run and triggers admission.
func (m *Manager) release(id string, r *run) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()

	r.cancel()
	close(r.done)
	m.telemetry.DecrementActiveTasks()
	m.runs.Done()
	m.notifyAdmission()
}

func (m *Manager) notifyAdmission() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// signal records intent for an active run and cancels it. It reports whether the task
// was running and returns a channel closed once the run persisted its final state.
func (m *Manager) signal(id string, intent Action) (<-chan struct{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.active[id]
	if !ok {
		return nil, false
	}

	if r.intent != ActionCancel {
		r.intent = intent
	}

	r.cancel()

	return r.done, true
}

func (m *Manager) intentOf(id string) Action {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.active[id]; ok {
		return r.intent
	}

	return ""
}

func (m *Manager) isActive(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.active[id]

	return ok
}

func (m *Manager) deferTask(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deferred[id] = m.clock.Now().Add(m.settings.AdmissionInterval)
}

func (m *Manager) publish(ch chan *storage.Task, task *storage.Task) {
	t := *task

	select {
	case ch <- &t:
	default:
		logctx.LoggerFromContext(m.baseCtx).Debug("dropping task event, no listener keeping up", "task_id", task.ID)
	}
}
