package archiver

import (
	"sync"
	"time"

	"threadvault/pkg/logger"
	"threadvault/pkg/models"
)

// Outcome classifies what happened to one dispatched image.
type Outcome int

const (
	// OutcomeSaved means at least one variant was fetched and stored.
	OutcomeSaved Outcome = iota
	// OutcomeSkipped means everything needed was already on disk (or the
	// image is known-deleted) and no network request was issued.
	OutcomeSkipped
	// OutcomeGone means the server answered 404; the image will never be
	// fetched again this process lifetime.
	OutcomeGone
	// OutcomeFailed means retries were exhausted on a transient failure.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSaved:
		return "saved"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeGone:
		return "gone"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Task is one unit of image work dispatched to the shared pool. Run does
// the actual fetch-and-store; the worker delivers the finished Result on
// the Results channel the dispatching round provided.
type Task struct {
	Thread   models.ThreadID
	Filename string
	Run      func() Result
	Results  chan<- Result
}

// Result is the accounting record for one dispatched image.
type Result struct {
	Filename string
	Outcome  Outcome
	Size     int64
	Duration time.Duration
	Err      error
}

// Pool is a fixed-size worker pool shared by all archiving rounds. Rounds
// dispatch Tasks carrying their own result channel, so a single pool can
// serve interleaved rounds without mixing up their accounting.
type Pool struct {
	numWorkers int
	tasks      chan Task
	wg         sync.WaitGroup
	logger     logger.Logger
}

// NewPool creates a pool with the given number of workers.
func NewPool(numWorkers int, log logger.Logger) *Pool {
	if log == nil {
		log = logger.GetLogger()
	}

	return &Pool{
		numWorkers: numWorkers,
		tasks:      make(chan Task, numWorkers*2),
		logger:     log,
	}
}

// Start launches all workers.
func (p *Pool) Start() {
	p.logger.InfoWithFields("starting worker pool", map[string]interface{}{
		"num_workers": p.numWorkers,
	})

	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop closes the task channel and waits for in-flight tasks to drain.
// No Submit may happen after Stop.
func (p *Pool) Stop() {
	close(p.tasks)
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// Submit queues a task. Blocks when all workers are busy and the buffer is
// full, which is what bounds the number of in-flight image fetches.
func (p *Pool) Submit(t Task) {
	p.tasks <- t
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	p.logger.DebugWithFields("worker started", map[string]interface{}{
		"worker_id": id,
	})

	for t := range p.tasks {
		start := time.Now()
		res := t.Run()
		res.Duration = time.Since(start)

		p.logger.DebugWithFields("worker finished task", map[string]interface{}{
			"worker_id": id,
			"thread":    t.Thread.String(),
			"filename":  t.Filename,
			"outcome":   res.Outcome.String(),
			"duration":  res.Duration,
		})

		t.Results <- res
	}
}
