// Package jobtable holds the set of known background/stopped pipelines.
// It assigns monotonic job ids and allows lookup by id or process-group
// id.
package jobtable

import (
	"errors"
	"sync"

	"github.com/samber/lo"
)

// Status is the lifecycle state of a Job.
type Status int

const (
	Running Status = iota
	Stopped
	Done
)

func (s Status) String() string {
	switch s {
	case Running:
		return "Running"
	case Stopped:
		return "Stopped"
	case Done:
		return "Done"
	default:
		return "Unknown"
	}
}

// DefaultCapacity is the table's capacity when none is configured.
const DefaultCapacity = 128

// ErrFull is returned by Add once the table has reached its capacity.
var ErrFull = errors.New("job table full")

// ErrNotFound is returned by lookups that find no matching entry.
var ErrNotFound = errors.New("job not found")

// Job is a record for a backgrounded or stopped pipeline.
type Job struct {
	ID      int
	Pgid    int
	LastPid int // pid of the pipeline's last command; the one the signal relay waits on
	Command string
	Status  Status
}

// Table is a fixed-capacity, thread-safe job table. Its mutations are
// driven both by the signal relay goroutine and by the executor/fg/bg
// builtins, so every operation takes an internal mutex; lookups and
// ListActive return copies so callers never observe a torn job record.
type Table struct {
	mu       sync.Mutex
	capacity int
	nextID   int
	jobs     map[int]*Job
	OnChange func(j Job) // optional hook for debug logging; nil-safe
}

// New returns a Table with the given capacity. A non-positive capacity
// falls back to DefaultCapacity.
func New(capacity int) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Table{
		capacity: capacity,
		nextID:   1,
		jobs:     make(map[int]*Job, capacity),
	}
}

func (t *Table) activeCount() int {
	n := 0
	for _, j := range t.jobs {
		if j.Status != Done {
			n++
		}
	}
	return n
}

// Add registers a new job and returns its assigned id, or ErrFull if the
// table's active-entry capacity has been reached.
func (t *Table) Add(pgid, lastPid int, command string, status Status) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.activeCount() >= t.capacity {
		return 0, ErrFull
	}

	id := t.nextID
	t.nextID++

	job := &Job{ID: id, Pgid: pgid, LastPid: lastPid, Command: command, Status: status}
	t.jobs[id] = job
	t.notify(*job)

	return id, nil
}

// Remove deletes the job with the given id, releasing its command string.
func (t *Table) Remove(id int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(t.jobs, id)
	return nil
}

// Lookup returns a copy of the job with the given id.
func (t *Table) Lookup(id int) (Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	j, ok := t.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return *j, nil
}

// LookupByPgid returns a copy of the job with the given process-group id.
func (t *Table) LookupByPgid(pgid int) (Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, j := range t.jobs {
		if j.Pgid == pgid {
			return *j, nil
		}
	}
	return Job{}, ErrNotFound
}

// UpdateStatus sets the status of the job with the given id.
func (t *Table) UpdateStatus(id int, status Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	j, ok := t.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Status = status
	t.notify(*j)
	return nil
}

// UpdateStatusByPgid sets the status of the job with the given pgid. It
// reports ErrNotFound if no job carries that pgid (the caller's pid may
// belong to a foreground pipeline the executor is waiting on directly).
func (t *Table) UpdateStatusByPgid(pgid int, status Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, j := range t.jobs {
		if j.Pgid == pgid {
			j.Status = status
			t.notify(*j)
			return nil
		}
	}
	return ErrNotFound
}

// Snapshot returns shallow, display-only copies of every entry (active
// and Done), ordered by id. The copies share command strings with the
// table; callers must not hold them across a sweep.
func (t *Table) Snapshot() []Job {
	t.mu.Lock()
	defer t.mu.Unlock()

	all := make([]Job, 0, len(t.jobs))
	for _, j := range t.jobs {
		all = append(all, *j)
	}
	sortByID(all)
	return all
}

// ListActive returns a snapshot of all non-Done jobs, ordered by id.
func (t *Table) ListActive() []Job {
	return lo.Filter(t.Snapshot(), func(j Job, _ int) bool { return j.Status != Done })
}

// SweepDone removes and releases every Done entry, returning how many were
// removed.
func (t *Table) SweepDone() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, j := range t.jobs {
		if j.Status == Done {
			delete(t.jobs, id)
			removed++
		}
	}
	return removed
}

// Len reports the number of entries (active and Done) currently held.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.jobs)
}

// Cap reports the table's configured capacity.
func (t *Table) Cap() int { return t.capacity }

func (t *Table) notify(j Job) {
	if t.OnChange != nil {
		t.OnChange(j)
	}
}

func sortByID(jobs []Job) {
	for i := 1; i < len(jobs); i++ {
		for j := i; j > 0 && jobs[j].ID < jobs[j-1].ID; j-- {
			jobs[j], jobs[j-1] = jobs[j-1], jobs[j]
		}
	}
}
