package state

import (
	"io"
	"sort"
	"sync"

	"nexbridge/internal/history"
)

// Session is an authenticated transport handle. The transport package
// provides the production implementation; tests substitute fakes.
type Session interface {
	// Keepalive sends one liveness probe and reports transport health.
	Keepalive() error
	// Open starts command on a fresh channel over the session.
	Open(command string) (Channel, error)
	Close() error
}

// Channel is one command execution multiplexed over a Session. Read
// yields stdout, Stderr the error stream, and Wait the remote exit
// code once both streams are drained.
type Channel interface {
	io.Reader
	Stderr() io.Reader
	Wait() (int, error)
	Close() error
}

// AuthMethod selects how a connection authenticates.
type AuthMethod string

const (
	AuthPassword   AuthMethod = "password"
	AuthPrivateKey AuthMethod = "private-key"
)

// Credentials carry everything needed to establish or re-establish a
// connection. Values live for the process lifetime only and are never
// written to disk.
type Credentials struct {
	Host       string
	Port       int
	User       string
	Method     AuthMethod
	Password   string
	PrivateKey string
	PublicKey  string
	Passphrase string
}

// Task statuses reported by TaskStatus.
const (
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskNotFound  = "not_found"
)

// Task is one background swarm job tracked by the registrar.
type Task struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Output      string `json:"output,omitempty"`
}

// Registrar holds all mutable daemon state. Every entry has its own
// lock so contention on one never stalls the others, and accessors
// copy values out before returning: no lock is held across network or
// process I/O.
type Registrar struct {
	sessionMu sync.Mutex
	session   Session

	credsMu sync.Mutex
	creds   *Credentials

	projectMu sync.RWMutex
	project   string

	tasksMu sync.RWMutex
	tasks   map[string]Task

	hist *history.Log
}

// New returns an empty registrar. A nil hist falls back to an
// in-memory transcript.
func New(hist *history.Log) *Registrar {
	if hist == nil {
		hist, _ = history.Open("")
	}
	return &Registrar{
		tasks: make(map[string]Task),
		hist:  hist,
	}
}

// Session returns the current transport handle, nil when disconnected.
func (r *Registrar) Session() Session {
	r.sessionMu.Lock()
	defer r.sessionMu.Unlock()
	return r.session
}

// SwapSession installs s and returns the handle it displaced. Closing
// the previous session is the caller's job, outside the lock.
func (r *Registrar) SwapSession(s Session) Session {
	r.sessionMu.Lock()
	defer r.sessionMu.Unlock()
	prev := r.session
	r.session = s
	return prev
}

// Credentials returns a copy of the stored connection parameters.
func (r *Registrar) Credentials() (Credentials, bool) {
	r.credsMu.Lock()
	defer r.credsMu.Unlock()
	if r.creds == nil {
		return Credentials{}, false
	}
	return *r.creds, true
}

// SetCredentials replaces the stored connection parameters wholesale.
func (r *Registrar) SetCredentials(c Credentials) {
	r.credsMu.Lock()
	defer r.credsMu.Unlock()
	r.creds = &c
}

// ProjectPath returns the active project directory, empty when unset.
func (r *Registrar) ProjectPath() string {
	r.projectMu.RLock()
	defer r.projectMu.RUnlock()
	return r.project
}

func (r *Registrar) SetProjectPath(path string) {
	r.projectMu.Lock()
	defer r.projectMu.Unlock()
	r.project = path
}

// PutTask registers or replaces a task by id.
func (r *Registrar) PutTask(t Task) {
	r.tasksMu.Lock()
	defer r.tasksMu.Unlock()
	r.tasks[t.ID] = t
}

// UpdateTask rewrites the status and output of an existing task and
// reports whether it was found.
func (r *Registrar) UpdateTask(id, status, output string) bool {
	r.tasksMu.Lock()
	defer r.tasksMu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return false
	}
	t.Status = status
	t.Output = output
	r.tasks[id] = t
	return true
}

// TaskStatus looks up a task. Unknown ids are not an error: the result
// carries status "not_found".
func (r *Registrar) TaskStatus(id string) Task {
	r.tasksMu.RLock()
	defer r.tasksMu.RUnlock()
	if t, ok := r.tasks[id]; ok {
		return t
	}
	return Task{ID: id, Status: TaskNotFound}
}

// TaskIDs lists registered task ids in sorted order.
func (r *Registrar) TaskIDs() []string {
	r.tasksMu.RLock()
	defer r.tasksMu.RUnlock()
	ids := make([]string, 0, len(r.tasks))
	for id := range r.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// History returns the chat transcript. The log does its own locking.
func (r *Registrar) History() *history.Log {
	return r.hist
}
