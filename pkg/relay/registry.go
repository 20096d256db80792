// Package relay queues upstream fetch jobs for the in-page userscript agent.
// The agent long-polls for work, executes the fetch with the page's own
// credentials, and streams response lines back.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/charmbracelet/log"

	"github.com/thanhnt-sm/LMArenaBridge-2/pkg/arena"
)

// ErrAgentUnavailable is returned when no agent claims a job within the
// claim timeout. Callers translate it into a proxy-unavailable API error.
var ErrAgentUnavailable = errors.New("userscript agent did not claim the job")

// Request is the fetch the agent performs inside the page.
type Request struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body"`
}

// Job tracks one relayed fetch through its lifecycle. The agent drives the
// transitions, the submitting request task observes them through channels.
type Job struct {
	ID      string  `json:"id"`
	Request Request `json:"request"`

	pickedUp chan struct{}
	status   chan int
	lines    chan string
	done     chan struct{}

	mu       sync.Mutex
	claimed  bool
	finished bool
	failure  error
}

// PickedUp is closed when an agent claims the job.
func (j *Job) PickedUp() <-chan struct{} { return j.pickedUp }

// Status delivers the upstream HTTP status code, at most once.
func (j *Job) Status() <-chan int { return j.status }

// Lines delivers raw response lines. The channel is never closed; after
// Done fires, any lines the agent delivered first stay buffered and
// readable.
func (j *Job) Lines() <-chan string { return j.lines }

// Done is closed when the agent reports completion or failure.
func (j *Job) Done() <-chan struct{} { return j.done }

// Err reports the failure reason after Done, nil on success.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.failure
}

// Registry is the shared job table. One instance per bridge process.
type Registry struct {
	mu       sync.Mutex
	queue    []*Job
	jobs     map[string]*Job
	waiters  []chan *Job
	lastPoll time.Time
}

func NewRegistry() *Registry {
	return &Registry{jobs: map[string]*Job{}}
}

// Touch records agent activity. Every agent-facing endpoint calls it so the
// orchestrator can tell whether an agent is around.
func (r *Registry) Touch() {
	r.mu.Lock()
	r.lastPoll = time.Now()
	r.mu.Unlock()
}

// Active reports whether an agent polled within the given window.
func (r *Registry) Active(window time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.lastPoll.IsZero() && time.Since(r.lastPoll) <= window
}

// Submit enqueues a fetch and waits for an agent to claim it. If no agent
// claims within claimTimeout, or ctx is cancelled first, the job is removed
// from the queue and an error returned.
func (r *Registry) Submit(ctx context.Context, req Request, claimTimeout time.Duration) (*Job, error) {
	j := &Job{
		ID:       arena.NewID(),
		Request:  req,
		pickedUp: make(chan struct{}),
		status:   make(chan int, 1),
		lines:    make(chan string, 256),
		done:     make(chan struct{}),
	}

	r.mu.Lock()
	r.jobs[j.ID] = j
	if len(r.waiters) > 0 {
		w := r.waiters[0]
		r.waiters = r.waiters[1:]
		r.mu.Unlock()
		w <- j
	} else {
		r.queue = append(r.queue, j)
		r.mu.Unlock()
	}
	log.Debug("relay job queued", "job", j.ID, "url", req.URL)

	timer := time.NewTimer(claimTimeout)
	defer timer.Stop()
	select {
	case <-j.pickedUp:
		return j, nil
	case <-timer.C:
		r.abandon(j)
		return nil, ErrAgentUnavailable
	case <-ctx.Done():
		r.abandon(j)
		return nil, ctx.Err()
	}
}

// abandon pulls an unclaimed job back out of the queue and the table. An
// agent that claimed it in the same instant gets unknown-job errors on its
// reports, which is its cue to drop the fetch.
func (r *Registry) abandon(j *Job) {
	r.mu.Lock()
	delete(r.jobs, j.ID)
	for i, q := range r.queue {
		if q == j {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
}

// Claim hands the next queued job to the agent, blocking until one is
// available or ctx expires. Returns nil on timeout so the poll endpoint can
// answer 204.
func (r *Registry) Claim(ctx context.Context) *Job {
	r.Touch()

	r.mu.Lock()
	if len(r.queue) > 0 {
		j := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		j.markClaimed()
		return j
	}
	w := make(chan *Job, 1)
	r.waiters = append(r.waiters, w)
	r.mu.Unlock()

	select {
	case j := <-w:
		j.markClaimed()
		return j
	case <-ctx.Done():
		r.mu.Lock()
		for i, q := range r.waiters {
			if q == w {
				r.waiters = append(r.waiters[:i], r.waiters[i+1:]...)
				break
			}
		}
		r.mu.Unlock()
		// A job may have been handed over just before cancellation.
		select {
		case j := <-w:
			j.markClaimed()
			return j
		default:
			return nil
		}
	}
}

func (j *Job) markClaimed() {
	j.mu.Lock()
	if !j.claimed {
		j.claimed = true
		close(j.pickedUp)
	}
	j.mu.Unlock()
}

func (r *Registry) lookup(id string) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("unknown relay job %q", id)
	}
	return j, nil
}

// ReportStatus records the upstream HTTP status the agent observed.
func (r *Registry) ReportStatus(id string, httpStatus int) error {
	r.Touch()
	j, err := r.lookup(id)
	if err != nil {
		return err
	}
	select {
	case j.status <- httpStatus:
	default:
		// Duplicate report, first one wins.
	}
	return nil
}

// ReportLines appends response lines to the job's stream.
func (r *Registry) ReportLines(id string, lines []string) error {
	r.Touch()
	j, err := r.lookup(id)
	if err != nil {
		return err
	}
	j.mu.Lock()
	finished := j.finished
	j.mu.Unlock()
	if finished {
		return fmt.Errorf("relay job %q already finished", id)
	}
	// The consumer may stop draining at any point, so every send must stay
	// abortable or a big batch wedges the agent's handler.
	for _, line := range lines {
		select {
		case j.lines <- line:
		case <-j.done:
			return fmt.Errorf("relay job %q already finished", id)
		}
	}
	return nil
}

// ReportDone marks the job complete. An empty failure means success.
func (r *Registry) ReportDone(id, failure string) error {
	r.Touch()
	j, err := r.lookup(id)
	if err != nil {
		return err
	}
	j.mu.Lock()
	if j.finished {
		j.mu.Unlock()
		return nil
	}
	j.finished = true
	if failure != "" {
		j.failure = fmt.Errorf("agent fetch failed: %s", failure)
	}
	close(j.done)
	j.mu.Unlock()

	r.mu.Lock()
	delete(r.jobs, id)
	r.mu.Unlock()
	log.Debug("relay job finished", "job", id, "failed", failure != "")
	return nil
}

// Pending reports the queue depth, for the dashboard.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}
