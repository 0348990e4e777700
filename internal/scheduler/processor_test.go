package scheduler

import (
	"context"
	stdErrors "errors"
	"sync/atomic"
	"testing"
	"time"

	xerrors "github.com/Xeros-AGiXT/Xeros/internal/errors"
	"github.com/Xeros-AGiXT/Xeros/internal/observability/alerting"
	"github.com/Xeros-AGiXT/Xeros/internal/workflow"
)

type harness struct {
	chains    *workflow.Store
	store     *MemoryStore
	queue     *MemoryQueue
	service   *Service
	processor *Processor
}

func testPolicy() workflow.Policy {
	return workflow.Policy{
		StepTimeout:        5 * time.Second,
		MaxAttempts:        1,
		MaxConcurrentTasks: 2,
	}
}

func newHarness(t *testing.T, workers int, registry *workflow.Registry, defs []*workflow.ChainDefinition, opts ...ProcessorOption) *harness {
	t.Helper()
	chains := workflow.NewStore()
	if err := chains.RegisterAll(defs); err != nil {
		t.Fatalf("register chains: %v", err)
	}
	store := NewMemoryStore()
	queue := NewMemoryQueue(64)
	tracker := NewTracker()
	executor := workflow.NewExecutor(registry, testPolicy(), workflow.WithObserver(NewProgressRecorder(store)))
	service := NewService(chains, store, queue, WithTracker(tracker))
	opts = append([]ProcessorOption{WithWorkerCount(workers), WithRunTracker(tracker)}, opts...)
	processor := NewProcessor(executor, chains, store, queue, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := processor.Start(ctx); err != nil && !stdErrors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &harness{chains: chains, store: store, queue: queue, service: service, processor: processor}
}

// gate 阻塞处理器直到测试放行。
type gate struct {
	calls   atomic.Int32
	entered chan string
	release chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan string, 16), release: make(chan struct{})}
}

func (g *gate) handler() workflow.Handler {
	return workflow.HandlerFunc(func(ctx context.Context, req workflow.StepRequest) (any, error) {
		g.calls.Add(1)
		g.entered <- req.RunID
		select {
		case <-g.release:
			return "released", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

type counter struct {
	calls atomic.Int32
}

func (c *counter) handler() workflow.Handler {
	return workflow.HandlerFunc(func(context.Context, workflow.StepRequest) (any, error) {
		c.calls.Add(1)
		return "ok", nil
	})
}

func chain(id string, steps ...string) *workflow.ChainDefinition {
	def := &workflow.ChainDefinition{ID: id, DisplayName: id}
	for _, name := range steps {
		def.Steps = append(def.Steps, workflow.StepDefinition{Name: name, Type: workflow.StepAction, Required: true})
	}
	return def
}

func register(t *testing.T, reg *workflow.Registry, name string, h workflow.Handler) {
	t.Helper()
	if err := reg.Register(name, h); err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func waitTerminal(t *testing.T, svc *Service, id string) *Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	run, err := svc.WaitUntilCompleted(ctx, id, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait for %s: %v", id, err)
	}
	return run
}

func TestSubmitRunsChainToCompletion(t *testing.T) {
	reg := workflow.NewRegistry()
	first, second := &counter{}, &counter{}
	register(t, reg, "environment_check", first.handler())
	register(t, reg, "template_generation", second.handler())
	def := chain("initialization", "environment_check", "template_generation")
	def.RunIDPrefix = "init_"
	h := newHarness(t, 1, reg, []*workflow.ChainDefinition{def})

	run, err := h.service.Submit(context.Background(), "initialization", map[string]any{"project": "demo"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if run.Status != workflow.ChainPending || len(run.ID) <= len("init_") || run.ID[:5] != "init_" {
		t.Fatalf("unexpected submitted run: %+v", run)
	}

	final := waitTerminal(t, h.service, run.ID)
	if final.Status != workflow.ChainCompleted {
		t.Fatalf("expected completed, got %s (%s)", final.Status, final.LastError)
	}
	if len(final.Steps) != 2 || final.Steps["template_generation"].Output != "ok" {
		t.Fatalf("unexpected steps: %+v", final.Steps)
	}
	if first.calls.Load() != 1 || second.calls.Load() != 1 {
		t.Fatalf("each handler should run once")
	}
	if final.StartedAt.IsZero() || final.FinishedAt.IsZero() {
		t.Fatalf("timestamps should be recorded: %+v", final)
	}
}

func TestSubmitUnknownChain(t *testing.T) {
	h := newHarness(t, 1, workflow.NewRegistry(), []*workflow.ChainDefinition{chain("a", "x")})
	if _, err := h.service.Submit(context.Background(), "nope", nil); xerrors.CodeOf(err) != workflow.CodeUnknownChain {
		t.Fatalf("expected UNKNOWN_CHAIN, got %v", err)
	}
	stats, _ := h.service.Stats(context.Background())
	if stats.Total != 0 {
		t.Fatalf("no run should be persisted for an unknown chain")
	}
}

func TestSubmitRejectsUnencodableParams(t *testing.T) {
	h := newHarness(t, 1, workflow.NewRegistry(), []*workflow.ChainDefinition{chain("a", "x")})
	params := map[string]any{"callback": func() {}}
	if _, err := h.service.Submit(context.Background(), "a", params); xerrors.CodeOf(err) != CodeRunValidation {
		t.Fatalf("expected RUN_VALIDATION_FAILED, got %v", err)
	}
	stats, _ := h.service.Stats(context.Background())
	if stats.Total != 0 {
		t.Fatalf("no run should be persisted for invalid params")
	}
}

type failingProducer struct{}

func (failingProducer) Publish(context.Context, string) error { return stdErrors.New("broker down") }
func (failingProducer) Close() error                          { return nil }

func TestSubmitPublishFailureFailsRun(t *testing.T) {
	chains := workflow.NewStore()
	if err := chains.Register(chain("a", "x")); err != nil {
		t.Fatalf("register: %v", err)
	}
	store := NewMemoryStore()
	svc := NewService(chains, store, failingProducer{}, WithIDGenerator(func() string { return "fixed" }))

	if _, err := svc.Submit(context.Background(), "a", nil); xerrors.CodeOf(err) != CodeRunPublish {
		t.Fatalf("expected publish failure, got %v", err)
	}
	run, err := store.Get(context.Background(), "a_fixed")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if run.Status != workflow.ChainFailed || run.ErrorCode != string(CodeRunPublish) {
		t.Fatalf("run should be failed after publish error: %+v", run)
	}
}

func TestAdmissionBoundsRunningChains(t *testing.T) {
	const maxConcurrent = 2
	reg := workflow.NewRegistry()
	hold := newGate()
	register(t, reg, "hold", hold.handler())
	h := newHarness(t, maxConcurrent, reg, []*workflow.ChainDefinition{chain("slow", "hold")})
	ctx := context.Background()

	ids := make([]string, 0, maxConcurrent+1)
	for i := 0; i < maxConcurrent+1; i++ {
		run, err := h.service.Submit(ctx, "slow", nil)
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		ids = append(ids, run.ID)
	}

	waitFor(t, 2*time.Second, "admitted runs", func() bool {
		stats, _ := h.service.Stats(ctx)
		return stats.Running == maxConcurrent && stats.Pending == 1
	})
	time.Sleep(50 * time.Millisecond)
	stats, _ := h.service.Stats(ctx)
	if stats.Running != maxConcurrent || stats.Pending != 1 || hold.calls.Load() != maxConcurrent {
		t.Fatalf("exactly %d runs may be running: %+v calls=%d", maxConcurrent, stats, hold.calls.Load())
	}
	pending, _ := h.service.List(ctx, WithStatuses(workflow.ChainPending))
	if len(pending) != 1 || pending[0].ID != ids[maxConcurrent] {
		t.Fatalf("the last submitted run should wait: %+v", pending)
	}

	close(hold.release)
	for _, id := range ids {
		if run := waitTerminal(t, h.service, id); run.Status != workflow.ChainCompleted {
			t.Fatalf("run %s ended %s", id, run.Status)
		}
	}
}

func TestCancelPendingRunNeverStarts(t *testing.T) {
	reg := workflow.NewRegistry()
	hold := newGate()
	later := &counter{}
	register(t, reg, "hold", hold.handler())
	register(t, reg, "later", later.handler())
	h := newHarness(t, 1, reg, []*workflow.ChainDefinition{chain("slow", "hold"), chain("quick", "later")})
	ctx := context.Background()

	blocking, _ := h.service.Submit(ctx, "slow", nil)
	<-hold.entered
	queued, err := h.service.Submit(ctx, "quick", nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	cancelled, err := h.service.Cancel(ctx, queued.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != workflow.ChainCancelled {
		t.Fatalf("pending run should be cancelled immediately, got %s", cancelled.Status)
	}

	close(hold.release)
	waitTerminal(t, h.service, blocking.ID)
	waitFor(t, time.Second, "queue drained", func() bool { return h.queue.Len() == 0 })
	time.Sleep(50 * time.Millisecond)
	if later.calls.Load() != 0 {
		t.Fatalf("cancelled run must never start")
	}
	again, err := h.service.Cancel(ctx, queued.ID)
	if err != nil || again.Status != workflow.ChainCancelled {
		t.Fatalf("cancelling a terminal run reports its status: %+v %v", again, err)
	}
}

func TestCancelRunningRunStopsDispatch(t *testing.T) {
	reg := workflow.NewRegistry()
	hold := newGate()
	after := &counter{}
	register(t, reg, "first", hold.handler())
	register(t, reg, "second", after.handler())
	h := newHarness(t, 1, reg, []*workflow.ChainDefinition{chain("two", "first", "second")})
	ctx := context.Background()

	run, _ := h.service.Submit(ctx, "two", nil)
	<-hold.entered

	got, err := h.service.Cancel(ctx, run.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != workflow.ChainRunning || !got.CancelRequested {
		t.Fatalf("running run should only be flagged: %+v", got)
	}
	close(hold.release)

	final := waitTerminal(t, h.service, run.ID)
	if final.Status != workflow.ChainCancelled || final.ErrorCode != string(xerrors.CodeCancelled) {
		t.Fatalf("expected cancelled, got %s/%s", final.Status, final.ErrorCode)
	}
	if after.calls.Load() != 0 {
		t.Fatalf("no step may be dispatched after cancel returns")
	}
	if final.Steps["first"].Status != workflow.StepSucceeded || final.Steps["second"].Status != workflow.StepSkipped {
		t.Fatalf("unexpected steps: %+v", final.Steps)
	}
}

func TestShutdownReleasesInterruptedRun(t *testing.T) {
	reg := workflow.NewRegistry()
	hold := newGate()
	register(t, reg, "first", hold.handler())
	chains := workflow.NewStore()
	if err := chains.Register(chain("one", "first")); err != nil {
		t.Fatalf("register: %v", err)
	}
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	tracker := NewTracker()
	executor := workflow.NewExecutor(reg, testPolicy(), workflow.WithObserver(NewProgressRecorder(store)))
	service := NewService(chains, store, queue, WithTracker(tracker))
	processor := NewProcessor(executor, chains, store, queue, WithRunTracker(tracker))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = processor.Start(ctx)
	}()

	run, err := service.Submit(context.Background(), "one", nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-hold.entered
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("processor did not stop")
	}

	got, err := store.Get(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != workflow.ChainPending || len(got.Steps) != 0 || got.CancelRequested {
		t.Fatalf("interrupted run should be back to pending: %+v", got)
	}
}

func TestCancelFromAnotherInstanceReachesExecutor(t *testing.T) {
	reg := workflow.NewRegistry()
	hold := newGate()
	after := &counter{}
	register(t, reg, "first", hold.handler())
	register(t, reg, "second", after.handler())
	h := newHarness(t, 1, reg, []*workflow.ChainDefinition{chain("two", "first", "second")})
	ctx := context.Background()

	// 另一个实例的 Service 不持有本地运行表，只能写入存储中的取消标记。
	remote := NewService(h.chains, h.store, h.queue)

	run, _ := h.service.Submit(ctx, "two", nil)
	<-hold.entered
	if _, err := remote.Cancel(ctx, run.ID); err != nil {
		t.Fatalf("remote cancel: %v", err)
	}
	close(hold.release)

	final := waitTerminal(t, h.service, run.ID)
	if final.Status != workflow.ChainCancelled || after.calls.Load() != 0 {
		t.Fatalf("progress sync should cancel the run: status=%s second=%d", final.Status, after.calls.Load())
	}
}

type recordingAlerter struct {
	events chan alerting.Event
}

func (r *recordingAlerter) Notify(_ context.Context, event alerting.Event) error {
	r.events <- event
	return nil
}

func TestFailedRunRaisesAlert(t *testing.T) {
	reg := workflow.NewRegistry()
	register(t, reg, "code_review", workflow.HandlerFunc(func(context.Context, workflow.StepRequest) (any, error) {
		return nil, stdErrors.New("lint errors")
	}))
	alerter := &recordingAlerter{events: make(chan alerting.Event, 1)}
	h := newHarness(t, 1, reg, []*workflow.ChainDefinition{chain("deployment", "code_review")}, WithAlertDispatcher(alerter))

	run, _ := h.service.Submit(context.Background(), "deployment", nil)
	final := waitTerminal(t, h.service, run.ID)
	if final.Status != workflow.ChainFailed || final.ErrorCode != string(workflow.CodeChainAborted) {
		t.Fatalf("expected CHAIN_ABORTED failure, got %s/%s", final.Status, final.ErrorCode)
	}
	if name, res, ok := final.FailedStep(nil); !ok || name != "code_review" || res.Error == "" {
		t.Fatalf("failing step detail should be available: %s %+v", name, res)
	}

	select {
	case event := <-alerter.events:
		if event.RunID != run.ID || event.FailedStep != "code_review" || event.Code != workflow.CodeChainAborted {
			t.Fatalf("unexpected alert: %+v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("alert not raised")
	}
}

func TestProcessorFailsRunOfUnregisteredChain(t *testing.T) {
	reg := workflow.NewRegistry()
	register(t, reg, "x", (&counter{}).handler())
	h := newHarness(t, 1, reg, []*workflow.ChainDefinition{chain("gone", "x")})

	// 直接写入存储并投递，模拟链路在提交后被注销。
	ctx := context.Background()
	if err := h.store.Create(ctx, &Run{ID: "orphan", ChainID: "missing"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := h.queue.Publish(ctx, "orphan"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	final := waitTerminal(t, h.service, "orphan")
	if final.Status != workflow.ChainFailed || final.ErrorCode != string(workflow.CodeUnknownChain) {
		t.Fatalf("unexpected final run: %+v", final)
	}
}
