// Package monitor implements the Unix-domain control socket a running
// hypervisor listens on for out-of-band commands: start an application,
// create or load a checkpoint, or migrate to a peer. One JSON task arrives
// per connection; the handler's outcome is written back as a 4-byte ASCII
// HTTP-style status code.
//
// Grounded on original_source/uhyve-monitor.c's task_to_handler dispatch
// table and its find_json_field-based task/params decoding, reimplemented
// with net.Listen("unix", ...) and one goroutine per accepted connection
// plus encoding/json in place of the hand-rolled JSON walker.
package monitor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
)

// SockPath is the fixed Unix socket path a monitor listens on, matching
// original_source's UHYVE_SOCK_PATH.
const SockPath = "/tmp/uhyve.sock"

// Task is the JSON object a monitor client sends: a required task name
// selecting one of the four handlers below, plus task-specific fields.
// The field names (task/path/params/full-checkpoint/destination/mode/
// type/use-odp/prefetch) match original_source's JSON task schema
// verbatim.
type Task struct {
	Task   string      `json:"task"`
	Path   string      `json:"path,omitempty"`
	Params *TaskParams `json:"params,omitempty"`
}

// TaskParams carries the task-specific parameters nested under a Task's
// "params" field.
type TaskParams struct {
	Path           string `json:"path,omitempty"`
	FullCheckpoint bool   `json:"full-checkpoint,omitempty"`
	Destination    string `json:"destination,omitempty"`
	Mode           string `json:"mode,omitempty"`
	Type           string `json:"type,omitempty"`
	UseODP         bool   `json:"use-odp,omitempty"`
	Prefetch       bool   `json:"prefetch,omitempty"`
}

// Status is one of the HTTP-style codes spec.md §4.10/§6 names, written
// back to the client as its literal 4-byte ASCII form (e.g. "200 ").
type Status int

const (
	StatusOK                Status = 200
	StatusBadRequest        Status = 400
	StatusInternalError     Status = 500
	StatusNotImplemented    Status = 501
	StatusDestinationFailed Status = 502
)

// ErrMissingField is returned by a Handler (or reported directly by
// Serve's own decoding) when a task is missing a field its task type
// requires.
var ErrMissingField = errors.New("monitor: task missing a required field")

// ErrUnknownTask identifies a task whose "task" field matches none of
// the four known task names. Dispatch itself does not return it: it
// answers an unknown task with StatusNotImplemented directly. A Handler
// error wrapping it is answered with StatusBadRequest.
var ErrUnknownTask = errors.New("monitor: unknown task")

// Handler is the set of operations a monitor dispatches tasks to. A vmm
// wires its own lifecycle methods to this interface; monitor itself
// knows nothing about vCPUs, guest memory, or the accelerator.
type Handler interface {
	// StartApp loads and begins running the guest image at path.
	StartApp(path string) error
	// CreateCheckpoint freezes the running guest and writes a checkpoint
	// (full if full is true, incremental otherwise) to dir.
	CreateCheckpoint(dir string, full bool) error
	// LoadCheckpoint restores a previously written checkpoint from dir
	// and begins running the guest from that state.
	LoadCheckpoint(dir string) error
	// Migrate relocates the running guest to destination using the
	// given mode/type/RDMA hints, returning once the transfer completes.
	// A nil error means the peer is now authoritative and this process
	// should exit.
	Migrate(destination, mode, typ string, useODP, prefetch bool) error
}

// Monitor accepts connections on a Unix socket and dispatches each one's
// JSON task to h, exactly as original_source's event loop dispatches
// through task_to_handler.
type Monitor struct {
	h        Handler
	l        net.Listener
	exit     chan struct{}
	exitOnce sync.Once
}

// Listen creates the monitor's Unix socket at path, removing any stale
// socket left by a prior run (original_source's unlink-then-bind).
func Listen(path string, h Handler) (*Monitor, error) {
	if path == "" {
		path = SockPath
	}

	_ = os.Remove(path)

	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("monitor: listen %s: %w", path, err)
	}

	return &Monitor{h: h, l: l, exit: make(chan struct{})}, nil
}

// Serve accepts connections until the listener is closed or a migrate
// task completes successfully, at which point it returns nil so the
// caller can exit the process (spec.md §4.10: "After migrate completes
// successfully, the monitor schedules process exit").
func (m *Monitor) Serve() error {
	defer os.Remove(m.l.Addr().String())

	for {
		conn, err := m.l.Accept()
		if err != nil {
			select {
			case <-m.exit:
				return nil
			default:
				return fmt.Errorf("monitor: accept: %w", err)
			}
		}

		go m.handle(conn)
	}
}

// Close stops the monitor's listener, unblocking a pending Accept.
func (m *Monitor) Close() error {
	return m.l.Close()
}

func (m *Monitor) handle(conn net.Conn) {
	defer conn.Close()

	body, err := io.ReadAll(conn)
	if err != nil {
		log.Printf("monitor: read task: %v", err)

		return
	}

	status := m.dispatch(body)

	if _, err := fmt.Fprintf(conn, "%-4d", int(status)); err != nil {
		log.Printf("monitor: write status: %v", err)
	}

	if status == StatusOK {
		// Only a successful migrate schedules exit; dispatch itself
		// closes m.exit once Handler.Migrate returns nil.
		select {
		case <-m.exit:
			m.l.Close()
		default:
		}
	}
}

func (m *Monitor) dispatch(body []byte) Status {
	dec := json.NewDecoder(bytes.NewReader(body))

	var task Task
	if err := dec.Decode(&task); err != nil {
		log.Printf("monitor: malformed task: %v", err)

		return StatusBadRequest
	}

	// spec.md's Open Question decision: trailing data after the first
	// JSON value fails closed rather than being silently ignored.
	if dec.More() {
		log.Printf("monitor: task carries trailing data after its JSON object")

		return StatusBadRequest
	}

	switch task.Task {
	case "start app":
		return m.handleStartApp(&task)
	case "create checkpoint":
		return m.handleCreateCheckpoint(&task)
	case "load checkpoint":
		return m.handleLoadCheckpoint(&task)
	case "migrate":
		return m.handleMigrate(&task)
	default:
		log.Printf("monitor: task %q not implemented", task.Task)

		return StatusNotImplemented
	}
}

func (m *Monitor) handleStartApp(task *Task) Status {
	if task.Path == "" {
		log.Printf("monitor: start app: %v", ErrMissingField)

		return StatusBadRequest
	}

	if err := m.h.StartApp(task.Path); err != nil {
		log.Printf("monitor: start app: %v", err)

		return statusFor(err)
	}

	return StatusOK
}

func (m *Monitor) handleCreateCheckpoint(task *Task) Status {
	if task.Params == nil || task.Params.Path == "" {
		log.Printf("monitor: create checkpoint: %v", ErrMissingField)

		return StatusBadRequest
	}

	if err := m.h.CreateCheckpoint(task.Params.Path, task.Params.FullCheckpoint); err != nil {
		log.Printf("monitor: create checkpoint: %v", err)

		return statusFor(err)
	}

	return StatusOK
}

func (m *Monitor) handleLoadCheckpoint(task *Task) Status {
	if task.Path == "" {
		log.Printf("monitor: load checkpoint: %v", ErrMissingField)

		return StatusBadRequest
	}

	if err := m.h.LoadCheckpoint(task.Path); err != nil {
		log.Printf("monitor: load checkpoint: %v", err)

		return statusFor(err)
	}

	return StatusOK
}

func (m *Monitor) handleMigrate(task *Task) Status {
	if task.Params == nil || task.Params.Destination == "" {
		log.Printf("monitor: migrate: %v", ErrMissingField)

		return StatusBadRequest
	}

	p := task.Params

	if err := m.h.Migrate(p.Destination, p.Mode, p.Type, p.UseODP, p.Prefetch); err != nil {
		log.Printf("monitor: migrate: %v", err)

		return statusForMigrate(err)
	}

	m.exitOnce.Do(func() { close(m.exit) })

	return StatusOK
}

// statusFor maps a Handler error to the HTTP-style status spec.md §4.10
// names; anything not otherwise recognized is a host-side failure (500).
func statusFor(err error) Status {
	switch {
	case errors.Is(err, ErrUnknownTask), errors.Is(err, ErrMissingField):
		return StatusBadRequest
	default:
		return StatusInternalError
	}
}

// statusForMigrate additionally maps a failed peer connection attempt to
// 502, matching original_source's connect_to_server failure path.
func statusForMigrate(err error) Status {
	if errors.Is(err, ErrDestinationUnreachable) {
		return StatusDestinationFailed
	}

	return statusFor(err)
}

// ErrDestinationUnreachable is the sentinel a Handler.Migrate
// implementation should wrap its error with when it could not connect to
// the named destination, so statusForMigrate reports 502 rather than 500.
var ErrDestinationUnreachable = errors.New("monitor: could not reach migration destination")
