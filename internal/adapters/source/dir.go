package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"rvexec/internal/coordinator"
)

const (
	// SidecarSuffix marks the optional task description next to a program:
	// fib.s is described by fib.s.task.yaml.
	SidecarSuffix = ".task.yaml"
	// OutDir is the spool subdirectory results are written to.
	OutDir = "out"

	defaultDebounce = 500 * time.Millisecond
)

var programExts = []string{".s", ".asm", ".txt", ".bin"}

// ErrInvalidTaskID means a task id cannot be used in a result file name.
var ErrInvalidTaskID = errors.New("invalid task id")

var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// validTaskID accepts ids that stay a single file name element.
func validTaskID(id string) error {
	if !taskIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidTaskID, id)
	}
	return nil
}

// DirSource turns program files dropped into a spool directory into tasks.
// Results land in <spool>/out/<file>.<task id>.json.
type DirSource struct {
	dir      string
	outDir   string
	debounce time.Duration
	log      coordinator.Logger

	mu      sync.Mutex
	pending map[string]time.Time
	tasks   map[string]string // task id -> program file
}

// taskFile is the sidecar format.
type taskFile struct {
	TaskID          string            `yaml:"task_id"`
	Digest          string            `yaml:"digest"`
	EndAddr         *uint32           `yaml:"end_addr"`
	MaxInstructions uint64            `yaml:"max_instructions"`
	Registers       map[string]uint32 `yaml:"registers"`
	Args            map[string]string `yaml:"args"`
	Reference       string            `yaml:"reference"`
	Entry           string            `yaml:"entry"`
	ReferenceArgs   []uint64          `yaml:"reference_args"`
	Metadata        map[string]string `yaml:"metadata"`
}

type resultFile struct {
	TaskID       string            `json:"task_id"`
	File         string            `json:"file"`
	Success      bool              `json:"success"`
	ExitCode     int32             `json:"exit_code"`
	OutputValue  string            `json:"output_value"`
	Outputs      []uint32          `json:"outputs"`
	Registers    map[string]uint32 `json:"registers,omitempty"`
	Instructions uint64            `json:"instructions"`
	ElapsedNS    int64             `json:"elapsed_ns"`
	Verified     bool              `json:"verified"`
	Reference    string            `json:"reference,omitempty"`
	Error        string            `json:"error,omitempty"`
	Logs         string            `json:"logs,omitempty"`
	FinishedAt   time.Time         `json:"finished_at"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// NewDirSource watches dir. A debounce of zero means 500ms.
func NewDirSource(dir string, debounce time.Duration, log coordinator.Logger) *DirSource {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	if log == nil {
		log = coordinator.NewLogger(nil, "source")
	}
	return &DirSource{
		dir:      dir,
		outDir:   filepath.Join(dir, OutDir),
		debounce: debounce,
		log:      log,
		pending:  make(map[string]time.Time),
		tasks:    make(map[string]string),
	}
}

// Dir is the watched spool directory; task ProgramCIDs are relative to it.
func (s *DirSource) Dir() string { return s.dir }

// SubscribeTasks emits files already in the spool that have no result yet,
// then every program file created or rewritten until ctx is done.
func (s *DirSource) SubscribeTasks(ctx context.Context, out chan<- coordinator.TaskRequest) error {
	if err := os.MkdirAll(s.outDir, 0o755); err != nil {
		return fmt.Errorf("create spool: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}
	s.log.Infof("watching spool %s", s.dir)

	if err := s.scan(); err != nil {
		return err
	}

	ticker := time.NewTicker(tickFor(s.debounce))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("watcher closed")
			}
			s.handleEvent(event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watcher closed")
			}
			s.log.Errorf("spool watcher: %v", err)
		case <-ticker.C:
			if err := s.emitSettled(ctx, out); err != nil {
				return err
			}
		}
	}
}

func tickFor(debounce time.Duration) time.Duration {
	return min(max(debounce/5, 10*time.Millisecond), 100*time.Millisecond)
}

func (s *DirSource) scan() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("scan spool: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if e.IsDir() || !isProgram(e.Name()) {
			continue
		}
		done, _ := filepath.Glob(filepath.Join(s.outDir, e.Name()+".*.json"))
		if len(done) > 0 {
			continue
		}
		s.pending[filepath.Join(s.dir, e.Name())] = time.Time{}
	}
	return nil
}

func (s *DirSource) handleEvent(event fsnotify.Event) {
	if !isProgram(event.Name) {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	s.mu.Lock()
	s.pending[event.Name] = time.Now()
	s.mu.Unlock()
}

func (s *DirSource) emitSettled(ctx context.Context, out chan<- coordinator.TaskRequest) error {
	now := time.Now()
	var ready []string
	s.mu.Lock()
	for path, at := range s.pending {
		if now.Sub(at) >= s.debounce {
			ready = append(ready, path)
			delete(s.pending, path)
		}
	}
	s.mu.Unlock()
	slices.Sort(ready)

	for _, path := range ready {
		task, err := s.buildTask(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			s.log.Warnf("skip %s: %v", path, err)
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- task:
			s.log.Infof("spool emitted task %s for %s", task.TaskID, task.ProgramCID)
		}
	}
	return nil
}

func (s *DirSource) buildTask(path string) (coordinator.TaskRequest, error) {
	if _, err := os.Stat(path); err != nil {
		return coordinator.TaskRequest{}, err
	}
	name := filepath.Base(path)

	var tf taskFile
	data, err := os.ReadFile(path + SidecarSuffix)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return coordinator.TaskRequest{}, err
	default:
		if err := yaml.Unmarshal(data, &tf); err != nil {
			return coordinator.TaskRequest{}, fmt.Errorf("parse %s%s: %w", name, SidecarSuffix, err)
		}
	}

	id := tf.TaskID
	if id == "" {
		id = uuid.New().String()
	} else if err := validTaskID(id); err != nil {
		return coordinator.TaskRequest{}, fmt.Errorf("%s%s: %w", name, SidecarSuffix, err)
	}
	meta := map[string]string{"file": name}
	for k, v := range tf.Metadata {
		meta[k] = v
	}

	s.mu.Lock()
	s.tasks[id] = name
	s.mu.Unlock()

	return coordinator.TaskRequest{
		TaskID:          id,
		ProgramCID:      name,
		Digest:          tf.Digest,
		EndAddr:         tf.EndAddr,
		MaxInstructions: tf.MaxInstructions,
		Registers:       tf.Registers,
		Args:            tf.Args,
		ReferenceCID:    tf.Reference,
		Entry:           tf.Entry,
		ReferenceArgs:   tf.ReferenceArgs,
		ResultMetadata:  meta,
	}, nil
}

func (s *DirSource) AckTask(ctx context.Context, taskID string) error {
	s.log.Infof("ack task %s", taskID)
	return nil
}

// PublishResult writes the result next to the spool as JSON.
func (s *DirSource) PublishResult(ctx context.Context, result coordinator.TaskResult) error {
	if err := validTaskID(result.TaskID); err != nil {
		return err
	}
	s.mu.Lock()
	name, ok := s.tasks[result.TaskID]
	delete(s.tasks, result.TaskID)
	s.mu.Unlock()
	if !ok {
		name = "unknown"
	}

	rec := resultFile{
		TaskID:       result.TaskID,
		File:         name,
		Success:      result.Success,
		ExitCode:     result.ExitCode,
		OutputValue:  result.OutputValue,
		Outputs:      result.Outputs,
		Registers:    result.Registers,
		Instructions: result.Instructions,
		ElapsedNS:    result.Elapsed.Nanoseconds(),
		Verified:     result.Verified,
		Reference:    result.Reference,
		Logs:         result.Logs,
		FinishedAt:   result.FinishedAt,
		Metadata:     result.Metadata,
	}
	if rec.Outputs == nil {
		rec.Outputs = []uint32{}
	}
	if result.Error != nil {
		rec.Error = result.Error.Error()
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}

	target := filepath.Join(s.outDir, name+"."+result.TaskID+".json")
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	if result.Success {
		s.log.Infof("task %s succeeded, output=%s -> %s", result.TaskID, result.OutputValue, target)
	} else {
		s.log.Warnf("task %s failed: %v -> %s", result.TaskID, result.Error, target)
	}
	return nil
}

func isProgram(name string) bool {
	if strings.HasPrefix(filepath.Base(name), ".") {
		return false
	}
	return slices.Contains(programExts, strings.ToLower(filepath.Ext(name)))
}
