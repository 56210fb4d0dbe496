package worker

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"taskmate/internal/service/ai"
)

var (
	ErrDispatcherBusy   = errors.New("dispatcher queue full")
	ErrDispatcherClosed = errors.New("dispatcher closed")
	ErrTurnCancelled    = errors.New("turn cancelled")
)

type Config struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

type conversationQueue struct {
	jobs     []Job
	enqueued bool // in the ready list
	running  bool // a turn of this conversation is on a worker
}

// Dispatcher runs turns on a bounded worker pool. Turns of one conversation
// run one at a time in submission order; conversations take turns round-robin.
type Dispatcher struct {
	pool     *jobChannelPool
	jobQueue chan Job // interface for outer jobs get in the dispatcher
	wake     chan struct{}
	quit     chan struct{}
	logger   *zap.Logger

	queueSize int

	mu        sync.Mutex
	closed    bool
	senders   sync.WaitGroup // Submit calls between the closed check and the send
	pending   int                           // queued and running jobs
	queues    map[string]*conversationQueue // job queue for each conversation
	ready     *list.List                    // round-robin queue of conversation ids
	positions map[string]*list.Element
}

func NewDispatcher(runner TurnRunner, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	logger = logger.Named("dispatcher")

	d := &Dispatcher{
		jobQueue:  make(chan Job, cfg.QueueSize),
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
		logger:    logger,
		queueSize: cfg.QueueSize,
		queues:    make(map[string]*conversationQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
	}
	d.pool = newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.IdleTimeout, runner, d.jobDone, logger)

	// warm up
	for i := 0; i < d.pool.min; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues one turn for conversationID and waits for its result.
func (d *Dispatcher) Submit(ctx context.Context, conversationID string, history []*schema.Message) (*ai.TurnResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrDispatcherClosed
	}
	if d.pending >= d.queueSize {
		d.mu.Unlock()
		return nil, ErrDispatcherBusy
	}
	d.pending++
	d.senders.Add(1)
	d.mu.Unlock()

	job := Job{
		Type:           Turn,
		ConversationID: conversationID,
		ctx:            ctx,
		history:        history,
		resultCh:       make(chan jobResult, 1),
	}
	// pending never exceeds the channel capacity, so this does not block for long
	select {
	case d.jobQueue <- job:
		d.senders.Done()
	case <-d.quit:
		d.senders.Done()
		d.release()
		return nil, ErrDispatcherClosed
	}

	select {
	case r := <-job.resultCh:
		return r.result, r.err
	case <-ctx.Done():
		// the worker still drains the job; resultCh is buffered
		return nil, ctx.Err()
	}
}

// CancelConversation drops the queued turns of a conversation. A running
// turn is left to its context.
func (d *Dispatcher) CancelConversation(conversationID string) {
	d.mu.Lock()
	q := d.queues[conversationID]
	if q == nil {
		d.mu.Unlock()
		return
	}
	dropped := q.jobs
	q.jobs = nil
	if elem, ok := d.positions[conversationID]; ok {
		d.ready.Remove(elem)
		delete(d.positions, conversationID)
	}
	q.enqueued = false
	if !q.running {
		delete(d.queues, conversationID)
	}
	d.pending -= len(dropped)
	d.mu.Unlock()

	for _, job := range dropped {
		job.finish(nil, ErrTurnCancelled)
	}
}

// Close stops accepting turns and shuts the workers down. Queued turns fail
// with ErrDispatcherClosed.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	var dropped []Job
	for id, q := range d.queues {
		dropped = append(dropped, q.jobs...)
		q.jobs = nil
		if !q.running {
			delete(d.queues, id)
		}
	}
	d.ready.Init()
	d.positions = make(map[string]*list.Element)
	d.pending -= len(dropped)
	d.mu.Unlock()

	close(d.quit)
	d.pool.close()
	for _, job := range dropped {
		job.finish(nil, ErrDispatcherClosed)
	}

	// a sender that passed the closed check may still land in the channel
	// after the run loop has drained it and exited
	d.senders.Wait()
	d.drainQueue()
}

// Workers reports the number of live workers.
func (d *Dispatcher) Workers() int {
	return d.pool.size()
}

func (d *Dispatcher) run() {
	for {
		// dispatch one job of the conversation in the front of the ready list
		if !d.dispatchOne() {
			select {
			case job := <-d.jobQueue: // block until something happens
				d.enqueueJob(job)
			case <-d.wake:
			case <-d.quit:
				d.drainQueue()
				return
			}
			continue
		}
		// if we have a new job, enqueue it and its conversation
		select {
		case job := <-d.jobQueue:
			d.enqueueJob(job)
		case <-d.quit:
			d.drainQueue()
			return
		default:
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	id := job.ConversationID

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		d.pending--
		job.finish(nil, ErrDispatcherClosed)
		return
	}
	q := d.queues[id]
	if q == nil {
		q = &conversationQueue{}
		d.queues[id] = q
	}
	q.jobs = append(q.jobs, job)
	d.markReadyLocked(id, q)
}

// markReadyLocked puts a conversation at the back of the ready list when it
// has work and nothing on a worker.
func (d *Dispatcher) markReadyLocked(id string, q *conversationQueue) {
	if q.enqueued || q.running || len(q.jobs) == 0 {
		return
	}
	q.enqueued = true
	d.positions[id] = d.ready.PushBack(id)
}

// dispatchOne hands the next job of the front conversation to a worker.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	id := elem.Value.(string)
	q := d.queues[id]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	q.enqueued = false
	q.running = true
	d.ready.Remove(elem)
	delete(d.positions, id)
	d.mu.Unlock()

	workerChan, ok := d.pool.acquire()
	if !ok {
		d.jobDone(job)
		job.finish(nil, ErrDispatcherClosed)
		return true
	}
	d.logger.Debug("assign turn",
		zap.String("conversation", id),
		zap.Int("worker", d.pool.workerID(workerChan)),
	)
	workerChan <- job
	return true
}

// jobDone runs on the worker after a turn; the conversation becomes ready
// again if more turns are waiting.
func (d *Dispatcher) jobDone(job Job) {
	id := job.ConversationID

	d.mu.Lock()
	d.pending--
	if q := d.queues[id]; q != nil {
		q.running = false
		if len(q.jobs) == 0 {
			delete(d.queues, id)
		} else if !d.closed {
			d.markReadyLocked(id, q)
		}
	}
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// drainQueue fails jobs that reached the channel but not a conversation queue.
func (d *Dispatcher) drainQueue() {
	for {
		select {
		case job := <-d.jobQueue:
			d.release()
			job.finish(nil, ErrDispatcherClosed)
		default:
			return
		}
	}
}

func (d *Dispatcher) release() {
	d.mu.Lock()
	d.pending--
	d.mu.Unlock()
}
