package audit

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/apexphere/synckairos/internal/kairoserr"
)

// DefaultConcurrency is the worker pool size absent configuration.
const DefaultConcurrency = 10

// MaxAttempts bounds retries; the 5th failure is logged and abandoned.
const MaxAttempts = 5

// MemoryPressureThreshold is the used-memory fraction above which each
// worker pauses for 2 seconds before dequeuing its next job. The
// startup ramp itself does not check memory.
const MemoryPressureThreshold = 0.90

// Pool is the bounded worker pool draining the audit queue into the
// durable store. It runs a staged startup — an immediate first
// dispatch, then a short warm-start ramp, then steady-state — so a
// restart under a large backlog doesn't thunder against the audit
// store all at once.
type Pool struct {
	queue       *Queue
	store       *Store
	ledger      *Ledger
	concurrency int
	log         *zap.SugaredLogger
	memGate     func() (float64, error)

	wg sync.WaitGroup
}

// NewPool builds a Pool with the given concurrency (DefaultConcurrency
// if <= 0) draining queue into store. Every terminal job — completed or
// permanently failed — is additionally recorded in ledger per the
// completion retention policy.
func NewPool(queue *Queue, store *Store, ledger *Ledger, concurrency int, log *zap.SugaredLogger) *Pool {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Pool{
		queue:       queue,
		store:       store,
		ledger:      ledger,
		concurrency: concurrency,
		log:         log,
		memGate:     memoryUsedFraction,
	}
}

// Run drives the pool until ctx is cancelled, blocking until every
// worker goroutine has exited.
func (p *Pool) Run(ctx context.Context) {
	p.staged(ctx)
	<-ctx.Done()
	p.wg.Wait()
}

// staged launches workers in a warm-start ramp: one immediately, then
// the remainder spaced out, so a post-crash backlog doesn't spike audit
// store load the instant the pool comes up.
func (p *Pool) staged(ctx context.Context) {
	p.launchWorker(ctx, 0)

	go func() {
		rampDelay := 200 * time.Millisecond
		for i := 1; i < p.concurrency; i++ {
			select {
			case <-ctx.Done():
				return
			case <-time.After(rampDelay):
				p.launchWorker(ctx, i)
			}
		}
	}()
}

func (p *Pool) launchWorker(ctx context.Context, id int) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.workerLoop(ctx, id)
	}()
}

func (p *Pool) workerLoop(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if frac, err := p.memGate(); err == nil && frac > MemoryPressureThreshold {
			if p.log != nil {
				p.log.Warnw("audit worker pausing under memory pressure", "worker", id, "used_fraction", frac)
			}
			time.Sleep(2 * time.Second)
			continue
		}

		job, ok, err := p.queue.Dequeue(ctx)
		if err != nil {
			if p.log != nil {
				p.log.Errorw("audit queue dequeue failed", "worker", id, "error", err)
			}
			time.Sleep(1 * time.Second)
			continue
		}
		if !ok {
			continue
		}

		p.process(ctx, job)
	}
}

func (p *Pool) process(ctx context.Context, job Job) {
	job.Status = StatusProcessing

	err := p.store.Persist(ctx, job)
	if err == nil {
		job.Status = StatusCompleted
		job.UpdatedAt = time.Now()
		if p.log != nil {
			p.log.Debugw("audit job persisted", "job_id", job.ID, "session_id", job.SessionID, "event_type", job.EventType)
		}
		p.recordTerminal(ctx, job, true)
		return
	}

	if isConstraintViolation(unwrapCause(err)) {
		job.Status = StatusCompleted
		job.Error = err.Error()
		job.UpdatedAt = time.Now()
		if p.log != nil {
			p.log.Errorw("audit job rejected by constraint, not retrying", "job_id", job.ID, "session_id", job.SessionID, "error", err)
		}
		p.recordTerminal(ctx, job, true)
		return
	}

	job.RetryCount++
	job.Error = err.Error()
	job.UpdatedAt = job.Timestamp

	if job.RetryCount >= MaxAttempts {
		job.Status = StatusFailed
		if p.log != nil {
			p.log.Errorw("audit job exhausted retries", "job_id", job.ID, "session_id", job.SessionID,
				"event_type", job.EventType, "retry_count", job.RetryCount, "error", err, "payload", string(job.StateSnapshot))
		}
		p.recordTerminal(ctx, job, false)
		return
	}

	delay := nextDelay(job.RetryCount)
	if p.log != nil {
		p.log.Warnw("audit job failed, scheduling retry", "job_id", job.ID, "retry_count", job.RetryCount, "delay", delay, "error", err)
	}
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
			if rqErr := p.queue.Requeue(context.Background(), job); rqErr != nil && p.log != nil {
				p.log.Errorw("audit job requeue failed", "job_id", job.ID, "error", rqErr)
			}
		}
	}()
}

// recordTerminal writes job to the completed or failed ledger per the
// completion retention policy. A ledger write failure is logged, never
// propagated — the job already reached (or permanently failed to
// reach) the durable store, which is the authoritative outcome.
func (p *Pool) recordTerminal(ctx context.Context, job Job, completed bool) {
	if p.ledger == nil {
		return
	}
	var err error
	if completed {
		err = p.ledger.RecordCompleted(ctx, job)
	} else {
		err = p.ledger.RecordFailed(ctx, job)
	}
	if err != nil && p.log != nil {
		p.log.Warnw("audit ledger write failed", "job_id", job.ID, "completed", completed, "error", err)
	}
}

func unwrapCause(err error) error {
	if de, ok := kairoserr.AsDomainError(err); ok && de.Err != nil {
		return de.Err
	}
	return err
}

func memoryUsedFraction() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent / 100.0, nil
}
