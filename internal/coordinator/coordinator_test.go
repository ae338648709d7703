package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"rvexec/internal/fixtures"
	"rvexec/internal/runner"
)

// sliceSource emits a fixed list of tasks. With block set it then waits
// for cancellation, like a real subscription.
type sliceSource struct {
	tasks []TaskRequest
	block bool
	err   error

	mu      sync.Mutex
	acked   []string
	results map[string]TaskResult
}

func (s *sliceSource) SubscribeTasks(ctx context.Context, out chan<- TaskRequest) error {
	for _, task := range s.tasks {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- task:
		}
	}
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.err
}

func (s *sliceSource) AckTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, taskID)
	return nil
}

func (s *sliceSource) PublishResult(_ context.Context, result TaskResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.results == nil {
		s.results = map[string]TaskResult{}
	}
	s.results[result.TaskID] = result
	return nil
}

func (s *sliceSource) result(t *testing.T, id string) TaskResult {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.results[id]
	require.True(t, ok, "no result for %s", id)
	return res
}

type mapStore map[string][]byte

func (m mapStore) FetchProgram(_ context.Context, cid string) ([]byte, error) {
	data, ok := m[cid]
	if !ok {
		return nil, fmt.Errorf("%s: not found", cid)
	}
	return data, nil
}

type stubVerifier struct {
	digestErr error
	expected  uint32
}

func (v *stubVerifier) CheckDigest([]byte, string) error { return v.digestErr }

func (v *stubVerifier) Verify(_ context.Context, _ TaskRequest, _ []byte, out *runner.Output) (*Verdict, error) {
	return &Verdict{Expected: v.expected, Actual: out.Value(), Match: v.expected == out.Value()}, nil
}

type memorySink struct {
	mu      sync.Mutex
	records []TaskResult
}

func (s *memorySink) Record(_ context.Context, r TaskResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

func testStore(t *testing.T) mapStore {
	t.Helper()
	parity, err := fixtures.Source("parity")
	require.NoError(t, err)
	return mapStore{
		"parity.s": parity,
		"exit3.s":  []byte("_start:\n li a0, 3\n li a7, 93\n ecall\n"),
		"spin.s":   []byte("_start: j _start\n"),
		"ref.wasm": fixtures.ReferenceWasm(),
	}
}

func newTestCoordinator(t *testing.T, cfg Config, src TaskSource, store ProgramStore) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(cfg, src, store, &LocalRunner{MaxInstructions: 100_000})
	require.NoError(t, err)
	return c
}

func TestRun_ProcessesTasks(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := &sliceSource{tasks: []TaskRequest{
		{TaskID: "ok", ProgramCID: "parity.s", ResultMetadata: map[string]string{"k": "v"}},
		{TaskID: "missing", ProgramCID: "nope.s"},
		{TaskID: "exit", ProgramCID: "exit3.s"},
		{TaskID: "spin", ProgramCID: "spin.s", MaxInstructions: 50},
	}}
	sink := &memorySink{}
	c := newTestCoordinator(t, Config{Workers: 2, Sink: sink}, src, testStore(t))

	require.NoError(t, c.Run(context.Background()))

	ok := src.result(t, "ok")
	assert.True(t, ok.Success)
	assert.NoError(t, ok.Error)
	assert.Equal(t, []uint32{1000000000, 1, 1, 0}, ok.Outputs)
	assert.Equal(t, "0", ok.OutputValue)
	assert.Equal(t, map[string]string{"k": "v"}, ok.Metadata)
	assert.Positive(t, ok.Instructions)

	missing := src.result(t, "missing")
	assert.False(t, missing.Success)
	assert.ErrorContains(t, missing.Error, "fetch program")

	exit := src.result(t, "exit")
	assert.False(t, exit.Success)
	assert.ErrorIs(t, exit.Error, ErrNonZeroExit)
	assert.Equal(t, int32(3), exit.ExitCode)

	spin := src.result(t, "spin")
	assert.False(t, spin.Success)
	assert.ErrorContains(t, spin.Error, "instruction limit")
	assert.Equal(t, uint64(50), spin.Instructions)

	assert.ElementsMatch(t, []string{"ok", "missing", "exit", "spin"}, src.acked)
	assert.Len(t, sink.records, 4)
}

func TestRun_Verification(t *testing.T) {
	defer goleak.VerifyNone(t)

	task := TaskRequest{ProgramCID: "parity.s", ReferenceCID: "ref.wasm", Entry: "is_even", ReferenceArgs: []uint64{1}}
	match, mismatch, noRef := task, task, task
	match.TaskID, mismatch.TaskID, noRef.TaskID = "match", "mismatch", "noref"
	mismatch.ProgramCID = "seven.s"
	noRef.ReferenceCID = "absent.wasm"

	store := testStore(t)
	store["seven.s"] = []byte("_start:\n li a0, 7\n call _out\n li a0, 0\n li a7, 93\n ecall\n_out: ret\n")

	src := &sliceSource{tasks: []TaskRequest{match, mismatch, noRef}}
	c := newTestCoordinator(t, Config{Verifier: &stubVerifier{expected: 0}}, src, store)
	require.NoError(t, c.Run(context.Background()))

	res := src.result(t, "match")
	assert.True(t, res.Success)
	assert.True(t, res.Verified)
	assert.Equal(t, "0", res.Reference)

	res = src.result(t, "mismatch")
	assert.False(t, res.Success)
	assert.False(t, res.Verified)
	assert.ErrorIs(t, res.Error, ErrReferenceMismatch)
	assert.Equal(t, "7", res.OutputValue)

	res = src.result(t, "noref")
	assert.False(t, res.Success)
	assert.ErrorContains(t, res.Error, "fetch reference")
}

func TestRun_DigestMismatch(t *testing.T) {
	defer goleak.VerifyNone(t)

	digestErr := errors.New("digest mismatch")
	src := &sliceSource{tasks: []TaskRequest{{TaskID: "d", ProgramCID: "parity.s", Digest: "00"}}}
	c := newTestCoordinator(t, Config{Verifier: &stubVerifier{digestErr: digestErr}}, src, testStore(t))
	require.NoError(t, c.Run(context.Background()))

	res := src.result(t, "d")
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Error, digestErr)
	assert.Zero(t, res.Instructions)
}

func TestRun_Cancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := &sliceSource{block: true, tasks: []TaskRequest{{TaskID: "ok", ProgramCID: "parity.s"}}}
	c := newTestCoordinator(t, Config{}, src, testStore(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return len(src.results) == 1
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_SubscriptionError(t *testing.T) {
	defer goleak.VerifyNone(t)

	boom := errors.New("boom")
	c := newTestCoordinator(t, Config{}, &sliceSource{err: boom}, testStore(t))
	assert.ErrorIs(t, c.Run(context.Background()), boom)
}

// gatedRunner counts concurrent runs.
type gatedRunner struct {
	running, peak atomic.Int32
}

func (g *gatedRunner) RunTask(context.Context, TaskRequest, []byte) (*runner.Output, error) {
	n := g.running.Add(1)
	defer g.running.Add(-1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	return &runner.Output{Halted: true}, nil
}

func TestRun_WorkerLimit(t *testing.T) {
	defer goleak.VerifyNone(t)

	var tasks []TaskRequest
	for i := 0; i < 8; i++ {
		tasks = append(tasks, TaskRequest{TaskID: fmt.Sprint(i), ProgramCID: "parity.s"})
	}
	src := &sliceSource{tasks: tasks}
	gate := &gatedRunner{}
	c, err := NewCoordinator(Config{Workers: 3}, src, testStore(t), gate)
	require.NoError(t, err)
	require.NoError(t, c.Run(context.Background()))

	assert.Len(t, src.results, 8)
	assert.LessOrEqual(t, gate.peak.Load(), int32(3))
	assert.GreaterOrEqual(t, gate.peak.Load(), int32(2))
}

func TestNewCoordinator_Validation(t *testing.T) {
	store, run := testStore(t), &LocalRunner{}
	_, err := NewCoordinator(Config{}, nil, store, run)
	assert.ErrorContains(t, err, "task source")
	_, err = NewCoordinator(Config{}, &sliceSource{}, nil, run)
	assert.ErrorContains(t, err, "program store")
	_, err = NewCoordinator(Config{}, &sliceSource{}, store, nil)
	assert.ErrorContains(t, err, "runner")
}

func TestLocalRunner_Input(t *testing.T) {
	r := &LocalRunner{MaxInstructions: 10}
	task := TaskRequest{
		ProgramCID:      "exit.s",
		MaxInstructions: 1000,
		Registers:       map[string]uint32{"a1": 2},
		InputJSON:       []byte(`{"registers":{"a0":40}}`),
	}
	prog := []byte("_start:\n add a0, a0, a1\n li a7, 93\n ecall\n")

	out, err := r.RunTask(context.Background(), task, prog)
	require.NoError(t, err)
	assert.Equal(t, int32(42), out.ExitCode)
	assert.Equal(t, map[string]uint32{"a1": 2}, task.Registers, "task registers are not modified")

	task.InputJSON = []byte("{")
	_, err = r.RunTask(context.Background(), task, prog)
	assert.ErrorContains(t, err, "decode task input")
}
