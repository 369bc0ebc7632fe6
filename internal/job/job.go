// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package job supervises external processes. Every spawned process gets a
// PID record on disk so a restarted daemon can detect and reap captures
// that outlived it.
package job

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/ManuGH/lsdvr/internal/log"
	"github.com/ManuGH/lsdvr/internal/metrics"
	"github.com/ManuGH/lsdvr/internal/procgroup"
)

var (
	ErrJobExists   = errors.New("job already exists")
	ErrJobNotFound = errors.New("job not found")
)

// Record is the persisted form of one job, written next to the process so
// a restarted daemon can find leftovers.
type Record struct {
	Name        string            `json:"name"`
	PID         int               `json:"pid"`
	Exec        string            `json:"exec"`
	Args        []string          `json:"args"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	DateStarted time.Time         `json:"date_started"`
}

// tailSize is how many recent output lines a job keeps in memory.
const tailSize = 50

// Job is a live supervised process.
type Job struct {
	Record

	cmd  *exec.Cmd
	done chan struct{}
	err  error

	mu       sync.Mutex
	tail     []string
	progress float64
}

// Wait blocks until the process exits and returns its wait error.
func (j *Job) Wait() error {
	<-j.done
	return j.err
}

// Done exposes the completion channel for select loops.
func (j *Job) Done() <-chan struct{} { return j.done }

func (j *Job) appendTail(line string) {
	j.mu.Lock()
	j.tail = append(j.tail, line)
	if len(j.tail) > tailSize {
		j.tail = j.tail[len(j.tail)-tailSize:]
	}
	j.mu.Unlock()
}

// Tail returns the most recent output lines.
func (j *Job) Tail() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.tail))
	copy(out, j.tail)
	return out
}

// SetProgress records a completion fraction in [0,1] for long transfers.
func (j *Job) SetProgress(p float64) {
	j.mu.Lock()
	j.progress = p
	j.mu.Unlock()
}

// Progress returns the last recorded completion fraction.
func (j *Job) Progress() float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress
}

// StartOptions describe one process to spawn.
type StartOptions struct {
	Name     string
	Exec     string
	Args     []string
	Dir      string
	Metadata map[string]string

	// OnStdout and OnStderr receive output line by line from dedicated
	// reader goroutines. They must not block.
	OnStdout func(line string)
	OnStderr func(line string)
}

// Manager tracks live jobs and their on-disk records.
type Manager struct {
	dir string
	log zerolog.Logger

	mu   sync.Mutex
	jobs map[string]*Job
}

// NewManager creates a manager persisting PID records under dir.
func NewManager(dir string) *Manager {
	return &Manager{
		dir:  dir,
		log:  log.WithComponent("job"),
		jobs: map[string]*Job{},
	}
}

func (m *Manager) recordPath(name string) string {
	return filepath.Join(m.dir, name+".json")
}

// Start spawns the process in its own process group and begins streaming
// its output to the line callbacks. The PID record is written before Start
// returns.
func (m *Manager) Start(ctx context.Context, opts StartOptions) (*Job, error) {
	// the name check and the table insert share one critical section so two
	// concurrent starts cannot both claim the name
	m.mu.Lock()
	if _, exists := m.jobs[opts.Name]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobExists, opts.Name)
	}

	cmd := exec.Command(opts.Exec, opts.Args...)
	cmd.Dir = opts.Dir
	procgroup.Set(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("stdout pipe for %s: %w", opts.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("stderr pipe for %s: %w", opts.Name, err)
	}

	if err := cmd.Start(); err != nil {
		m.mu.Unlock()
		metrics.JobSpawnTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("start %s: %w", opts.Name, err)
	}

	j := &Job{
		Record: Record{
			Name:        opts.Name,
			PID:         cmd.Process.Pid,
			Exec:        opts.Exec,
			Args:        opts.Args,
			Metadata:    opts.Metadata,
			DateStarted: time.Now(),
		},
		cmd:  cmd,
		done: make(chan struct{}),
	}
	m.jobs[opts.Name] = j
	m.mu.Unlock()

	if err := m.persist(j.Record); err != nil {
		m.log.Error().Err(err).Str(log.FieldJob, opts.Name).Str("event", "job.persist").Msg("pid record not written")
	}

	metrics.JobSpawnTotal.WithLabelValues("ok").Inc()
	m.log.Info().
		Str(log.FieldJob, opts.Name).
		Int(log.FieldPID, j.PID).
		Str("exec", opts.Exec).
		Str("event", "job.start").
		Msg("job started")

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		scanLines(stdout, func(line string) {
			j.appendTail(line)
			if opts.OnStdout != nil {
				opts.OnStdout(line)
			}
		})
	}()
	go func() {
		defer readers.Done()
		scanLines(stderr, func(line string) {
			j.appendTail(line)
			if opts.OnStderr != nil {
				opts.OnStderr(line)
			}
		})
	}()

	go func() {
		readers.Wait()
		j.err = cmd.Wait()
		metrics.RecordJobExit(exitCode(j.err))

		m.mu.Lock()
		delete(m.jobs, opts.Name)
		m.mu.Unlock()
		m.clearRecord(opts.Name)

		m.log.Info().
			Str(log.FieldJob, opts.Name).
			Int("exit_code", exitCode(j.err)).
			Str("event", "job.exit").
			Msg("job exited")
		close(j.done)
	}()

	// ctx cancellation tears the process group down.
	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				_ = m.Kill(opts.Name, 10*time.Second)
			case <-j.done:
			}
		}()
	}

	return j, nil
}

func scanLines(r io.Reader, fn func(string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		fn(sc.Text())
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// All returns the live jobs.
func (m *Manager) All() []*Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	return out
}

// Find returns the live job by name.
func (m *Manager) Find(name string) (*Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[name]
	return j, ok
}

// Running reports whether a job with this name has a live process, checking
// the in-memory table first and falling back to the PID record.
func (m *Manager) Running(name string) bool {
	if _, ok := m.Find(name); ok {
		return true
	}
	rec, err := m.ReadRecord(name)
	if err != nil {
		return false
	}
	alive, _ := process.PidExists(int32(rec.PID))
	return alive
}

// Kill terminates the job's whole process group.
func (m *Manager) Kill(name string, grace time.Duration) error {
	pid := 0
	if j, ok := m.Find(name); ok {
		pid = j.PID
	} else if rec, err := m.ReadRecord(name); err == nil {
		pid = rec.PID
	} else {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}

	m.log.Info().Str(log.FieldJob, name).Int(log.FieldPID, pid).Str("event", "job.kill").Msg("killing job")
	err := procgroup.KillGroup(pid, grace, grace+5*time.Second)
	if errors.Is(err, procgroup.ErrProcessNotFound) {
		err = nil
	}
	m.clearRecord(name)
	return err
}

// ReadRecord loads the persisted PID record for name.
func (m *Manager) ReadRecord(name string) (Record, error) {
	var rec Record
	b, err := os.ReadFile(m.recordPath(name))
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(b, &rec); err != nil {
		return rec, fmt.Errorf("parse pid record %s: %w", name, err)
	}
	return rec, nil
}

// Stale returns the on-disk records with no live process behind them,
// typically leftovers from a crashed daemon.
func (m *Manager) Stale() ([]Record, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read jobs dir: %w", err)
	}
	var stale []Record
	for _, de := range entries {
		if de.IsDir() || filepath.Ext(de.Name()) != ".json" {
			continue
		}
		name := de.Name()[:len(de.Name())-len(".json")]
		rec, err := m.ReadRecord(name)
		if err != nil {
			continue
		}
		if alive, _ := process.PidExists(int32(rec.PID)); !alive {
			stale = append(stale, rec)
		}
	}
	return stale, nil
}

// Clear removes the PID record for name without touching any process.
func (m *Manager) Clear(name string) {
	m.clearRecord(name)
}

func (m *Manager) clearRecord(name string) {
	if err := os.Remove(m.recordPath(name)); err != nil && !os.IsNotExist(err) {
		m.log.Warn().Err(err).Str(log.FieldJob, name).Str("event", "job.clear").Msg("pid record not removed")
	}
}

func (m *Manager) persist(rec Record) error {
	b, err := json.MarshalIndent(rec, "", "    ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(m.recordPath(rec.Name), b, 0o644)
}
