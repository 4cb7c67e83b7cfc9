package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dj-oyu/underwater-trash-detector/internal/logger"
	"github.com/dj-oyu/underwater-trash-detector/internal/metrics"
)

var (
	// ErrQueueFull is returned by Submit when every queue slot is taken.
	ErrQueueFull = errors.New("job queue full")
	// ErrJobNotFound is returned for unknown or pruned job ids.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobNotDone is returned by Result while a job is still pending.
	ErrJobNotDone = errors.New("job not finished")
	// ErrJobsClosed is returned by Submit after Close.
	ErrJobsClosed = errors.New("job queue closed")
)

// JobState is the lifecycle position of a job.
type JobState string

const (
	JobQueued  JobState = "queued"
	JobRunning JobState = "running"
	JobDone    JobState = "done"
	JobFailed  JobState = "failed"
)

// Finished reports whether the state is terminal.
func (s JobState) Finished() bool { return s == JobDone || s == JobFailed }

// JobStatus is a point-in-time view of a job.
type JobStatus struct {
	ID              string     `json:"job_id"`
	Name            string     `json:"name"`
	State           JobState   `json:"state"`
	FramesRead      int        `json:"frames_read"`
	ProcessedFrames int        `json:"processed_frames"`
	TotalFrames     int        `json:"total_frames"`
	SessionID       string     `json:"session_id,omitempty"`
	Error           string     `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

func (s JobStatus) fields() map[string]any {
	f := map[string]any{
		"job_id":           s.ID,
		"name":             s.Name,
		"state":            string(s.State),
		"frames_read":      s.FramesRead,
		"processed_frames": s.ProcessedFrames,
		"total_frames":     s.TotalFrames,
	}
	if s.SessionID != "" {
		f["session_id"] = s.SessionID
	}
	if s.Error != "" {
		f["error"] = s.Error
	}
	return f
}

// Source is a video handed to the job queue.
type Source struct {
	Path string
	Name string
	// Temporary sources are removed once the job finishes.
	Temporary bool
}

// FinishFunc observes finished jobs. res is nil for failed jobs.
type FinishFunc func(status JobStatus, res *Result)

type job struct {
	source Source
	opts   RunOptions

	mu     sync.Mutex
	status JobStatus
	result *Result

	events *EventBroadcaster
	frames *FrameBroadcaster
}

func (j *job) snapshot() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// JobsConfig sizes the pool.
type JobsConfig struct {
	Workers   int
	QueueSize int
	Retain    time.Duration
}

// Jobs runs videos on a fixed set of workers. Each video is processed by a
// single worker; different videos run in parallel.
type Jobs struct {
	runner  *Runner
	metrics *metrics.Metrics
	cfg     JobsConfig
	now     func() time.Time

	queue  chan *job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	jobs     map[string]*job
	closed   bool
	onFinish []FinishFunc
}

// NewJobs starts cfg.Workers workers.
func NewJobs(runner *Runner, m *metrics.Metrics, cfg JobsConfig) *Jobs {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	j := &Jobs{
		runner:  runner,
		metrics: m,
		cfg:     cfg,
		now:     time.Now,
		queue:   make(chan *job, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[string]*job),
	}
	for i := 0; i < cfg.Workers; i++ {
		j.wg.Add(1)
		go j.worker(i)
	}
	logger.Info("Jobs", "Started %d workers (queue size %d)", cfg.Workers, cfg.QueueSize)
	return j
}

// OnFinish registers fn to run after every job ends.
func (j *Jobs) OnFinish(fn FinishFunc) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.onFinish = append(j.onFinish, fn)
}

// Submit queues src for processing and returns the job id.
func (j *Jobs) Submit(src Source, opts RunOptions) (string, error) {
	if err := opts.Validate(); err != nil {
		return "", err
	}
	if src.Name == "" {
		src.Name = src.Path
	}

	jb := &job{
		source: src,
		opts:   opts,
		status: JobStatus{
			ID:        uuid.NewString(),
			Name:      src.Name,
			State:     JobQueued,
			CreatedAt: j.now(),
		},
		events: NewBroadcaster[*SerializedEvent]("JobEvents", 16),
		frames: NewBroadcaster[[]byte]("JobFrames", 2),
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return "", ErrJobsClosed
	}
	j.pruneLocked()

	select {
	case j.queue <- jb:
	default:
		return "", ErrQueueFull
	}
	j.jobs[jb.status.ID] = jb
	if j.metrics != nil {
		j.metrics.JobsQueued.Add(1)
	}
	logger.Info("Jobs", "Queued job %s for %s", jb.status.ID, src.Name)
	return jb.status.ID, nil
}

// pruneLocked forgets finished jobs older than the retention period.
func (j *Jobs) pruneLocked() {
	if j.cfg.Retain <= 0 {
		return
	}
	cutoff := j.now().Add(-j.cfg.Retain)
	for id, jb := range j.jobs {
		st := jb.snapshot()
		if st.FinishedAt != nil && st.FinishedAt.Before(cutoff) {
			delete(j.jobs, id)
		}
	}
}

func (j *Jobs) get(id string) (*job, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	jb, ok := j.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return jb, nil
}

// Status returns the current status of a job.
func (j *Jobs) Status(id string) (JobStatus, error) {
	jb, err := j.get(id)
	if err != nil {
		return JobStatus{}, err
	}
	return jb.snapshot(), nil
}

// Result returns the outcome of a finished job. A failed job returns its
// error.
func (j *Jobs) Result(id string) (*Result, error) {
	jb, err := j.get(id)
	if err != nil {
		return nil, err
	}
	jb.mu.Lock()
	defer jb.mu.Unlock()
	switch jb.status.State {
	case JobDone:
		return jb.result, nil
	case JobFailed:
		return nil, fmt.Errorf("job %s failed: %s", id, jb.status.Error)
	default:
		return nil, ErrJobNotDone
	}
}

// Subscribe streams progress events of a job. The channel is closed when the
// job finishes or unsubscribe is called.
func (j *Jobs) Subscribe(id string) (<-chan *SerializedEvent, func(), error) {
	jb, err := j.get(id)
	if err != nil {
		return nil, nil, err
	}
	sid, ch := jb.events.Subscribe()
	return ch, func() { jb.events.Unsubscribe(sid) }, nil
}

// SubscribeFrames streams annotated JPEG frames of a running job.
func (j *Jobs) SubscribeFrames(id string) (<-chan []byte, func(), error) {
	jb, err := j.get(id)
	if err != nil {
		return nil, nil, err
	}
	sid, ch := jb.frames.Subscribe()
	return ch, func() { jb.frames.Unsubscribe(sid) }, nil
}

// List returns the status of every known job.
func (j *Jobs) List() []JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]JobStatus, 0, len(j.jobs))
	for _, jb := range j.jobs {
		out = append(out, jb.snapshot())
	}
	return out
}

func (j *Jobs) worker(n int) {
	defer j.wg.Done()
	for jb := range j.queue {
		j.run(jb)
	}
	logger.Debug("Jobs", "Worker %d stopped", n)
}

func (j *Jobs) run(jb *job) {
	started := j.now()
	jb.mu.Lock()
	jb.status.State = JobRunning
	jb.status.StartedAt = &started
	jb.mu.Unlock()
	if j.metrics != nil {
		j.metrics.JobsQueued.Add(-1)
		j.metrics.JobsRunning.Add(1)
	}
	j.publish(jb, "progress")

	res, err := j.runner.ProcessVideo(j.ctx, jb.source.Path, jb.opts, func(p Progress) {
		jb.mu.Lock()
		jb.status.FramesRead = p.FramesRead
		jb.status.ProcessedFrames = p.Processed
		jb.mu.Unlock()
		if p.JPEG != nil {
			jb.frames.Broadcast(p.JPEG)
			j.publish(jb, "progress")
		}
	})

	finished := j.now()
	jb.mu.Lock()
	jb.status.FinishedAt = &finished
	if err != nil {
		jb.status.State = JobFailed
		jb.status.Error = err.Error()
	} else {
		jb.status.State = JobDone
		jb.status.TotalFrames = res.TotalFrames
		jb.status.FramesRead = res.TotalFrames
		jb.status.ProcessedFrames = res.ProcessedFrames
		jb.status.SessionID = res.SessionID
		jb.result = res
	}
	status := jb.status
	jb.mu.Unlock()

	if j.metrics != nil {
		j.metrics.JobsRunning.Add(-1)
		if err != nil {
			j.metrics.JobsFailed.Add(1)
		} else {
			j.metrics.JobsCompleted.Add(1)
		}
	}
	if err != nil {
		logger.Warn("Jobs", "Job %s failed: %v", status.ID, err)
		j.publish(jb, "failed")
	} else {
		logger.Info("Jobs", "Job %s done (%d/%d frames, session %s)", status.ID, status.ProcessedFrames, status.TotalFrames, status.SessionID)
		j.publish(jb, "done")
	}
	jb.events.Close()
	jb.frames.Close()

	if jb.source.Temporary {
		if err := os.Remove(jb.source.Path); err != nil && !os.IsNotExist(err) {
			logger.Warn("Jobs", "Failed to remove upload %s: %v", jb.source.Path, err)
		}
	}

	j.mu.Lock()
	hooks := append([]FinishFunc(nil), j.onFinish...)
	j.mu.Unlock()
	for _, fn := range hooks {
		fn(status, res)
	}
}

func (j *Jobs) publish(jb *job, name string) {
	if ev := serializeEvent(name, jb.snapshot().fields()); ev != nil {
		jb.events.Broadcast(ev)
	}
}

// StatusEvent serializes the current status of a job, for clients that
// connect after it started.
func (j *Jobs) StatusEvent(id string) (*SerializedEvent, error) {
	jb, err := j.get(id)
	if err != nil {
		return nil, err
	}
	st := jb.snapshot()
	name := "progress"
	switch st.State {
	case JobDone:
		name = "done"
	case JobFailed:
		name = "failed"
	}
	return serializeEvent(name, st.fields()), nil
}

// Close stops accepting jobs and waits for queued and running jobs to
// finish. If ctx ends first, running jobs are cancelled and Close returns
// ctx.Err() once the workers have exited.
func (j *Jobs) Close(ctx context.Context) error {
	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.queue)
	}
	j.mu.Unlock()

	done := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		j.cancel()
		return nil
	case <-ctx.Done():
		j.cancel()
		<-done
		return ctx.Err()
	}
}
