// Package progress fans out job progress to observers in this process. It keeps
// only the latest update per job; cross-process observers read the job store or
// the Redis job channel instead.
package progress

import (
	"sync"

	"github.com/bobarin/hookreel/internal/models"
	"github.com/google/uuid"
)

const defaultBuffer = 8

// Update is one observation of a job.
type Update struct {
	JobID        uuid.UUID        `json:"jobId"`
	Status       models.JobStatus `json:"status"`
	Progress     float64          `json:"progress"`
	ResultURL    string           `json:"resultUrl,omitempty"`
	ErrorMessage string           `json:"errorMessage,omitempty"`
}

type jobState struct {
	latest *Update
	subs   map[uint64]chan Update
}

// Channel is owned by one process; create it at start-up and Close it on shutdown.
type Channel struct {
	mu     sync.Mutex
	jobs   map[uuid.UUID]*jobState
	nextID uint64
	buffer int
	closed bool
}

func New(buffer int) *Channel {
	if buffer < 1 {
		buffer = defaultBuffer
	}
	return &Channel{
		jobs:   make(map[uuid.UUID]*jobState),
		buffer: buffer,
	}
}

// Subscription delivers updates for one job on C until the job reaches a terminal
// status, the subscriber falls behind, or Close is called. C is then closed.
type Subscription struct {
	C <-chan Update

	once   sync.Once
	cancel func()
}

func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

// Subscribe registers an observer. If an update is already known it is delivered first.
func (c *Channel) Subscribe(jobID uuid.UUID) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan Update, c.buffer)
	if c.closed {
		close(ch)
		return &Subscription{C: ch, cancel: func() {}}
	}

	st, ok := c.jobs[jobID]
	if !ok {
		st = &jobState{subs: make(map[uint64]chan Update)}
		c.jobs[jobID] = st
	}
	id := c.nextID
	c.nextID++
	st.subs[id] = ch
	if st.latest != nil {
		ch <- *st.latest
	}

	return &Subscription{
		C: ch,
		cancel: func() {
			c.unsubscribe(jobID, id)
		},
	}
}

func (c *Channel) unsubscribe(jobID uuid.UUID, id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.jobs[jobID]
	if !ok {
		return
	}
	ch, ok := st.subs[id]
	if !ok {
		return
	}
	delete(st.subs, id)
	close(ch)
	if len(st.subs) == 0 && st.latest == nil {
		delete(c.jobs, jobID)
	}
}

// Publish records u as the latest value and pushes it to every observer without
// blocking. Observers whose buffer is full are dropped. A terminal update is
// delivered and then the job's entry and subscriptions are released.
func (c *Channel) Publish(u Update) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	st, ok := c.jobs[u.JobID]
	if !ok {
		if u.Status.Terminal() {
			return
		}
		st = &jobState{subs: make(map[uint64]chan Update)}
		c.jobs[u.JobID] = st
	}

	latest := u
	st.latest = &latest

	for id, ch := range st.subs {
		select {
		case ch <- u:
		default:
			delete(st.subs, id)
			close(ch)
		}
	}

	if u.Status.Terminal() {
		for id, ch := range st.subs {
			delete(st.subs, id)
			close(ch)
		}
		delete(c.jobs, u.JobID)
	}
}

// Latest returns the most recent update for a job still in flight.
func (c *Channel) Latest(jobID uuid.UUID) (Update, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.jobs[jobID]
	if !ok || st.latest == nil {
		return Update{}, false
	}
	return *st.latest, true
}

// Subscribers reports how many observers a job has.
func (c *Channel) Subscribers(jobID uuid.UUID) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st, ok := c.jobs[jobID]; ok {
		return len(st.subs)
	}
	return 0
}

// Close ends every subscription. Later publishes are ignored.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	for jobID, st := range c.jobs {
		for id, ch := range st.subs {
			delete(st.subs, id)
			close(ch)
		}
		delete(c.jobs, jobID)
	}
}
