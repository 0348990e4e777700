package scheduler

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"

	xerrors "github.com/Xeros-AGiXT/Xeros/internal/errors"
	"github.com/Xeros-AGiXT/Xeros/internal/workflow"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	run := &Run{ID: "r1", ChainID: "deployment", Params: map[string]any{"network": "sepolia"}, Cursor: -1}
	if err := store.Create(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, &Run{ID: "r1"}); !stdErrors.Is(err, ErrRunConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	run.Params["network"] = "mutated"
	stored, _ := store.Get(ctx, "r1")
	if stored.Status != workflow.ChainPending || stored.Params["network"] != "sepolia" {
		t.Fatalf("unexpected stored run: %+v", stored)
	}

	claimed, err := store.Claim(ctx, "r1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != workflow.ChainRunning || claimed.StartedAt.IsZero() {
		t.Fatalf("claim should start the run: %+v", claimed)
	}
	if _, err := store.Claim(ctx, "r1"); !stdErrors.Is(err, ErrRunConflict) {
		t.Fatalf("double claim should conflict, got %v", err)
	}

	steps := map[string]workflow.StepResult{"code_review": {Status: workflow.StepSucceeded, Attempts: 1}}
	cancelRequested, err := store.UpdateSteps(ctx, "r1", steps, 0)
	if err != nil || cancelRequested {
		t.Fatalf("update steps: %v %v", cancelRequested, err)
	}

	cancelled, err := store.Cancel(ctx, "r1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != workflow.ChainRunning || !cancelled.CancelRequested {
		t.Fatalf("cancelling a running run only sets the flag: %+v", cancelled)
	}
	if cancelRequested, _ = store.UpdateSteps(ctx, "r1", steps, 1); !cancelRequested {
		t.Fatalf("progress updates should report the cancel flag")
	}

	if err := store.Finish(ctx, "r1", Completion{Status: workflow.ChainRunning}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("finish requires a terminal status, got %v", err)
	}
	if err := store.Finish(ctx, "r1", Completion{Status: workflow.ChainCancelled, ErrorCode: "CANCELLED"}); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := store.Finish(ctx, "r1", Completion{Status: workflow.ChainCompleted}); !stdErrors.Is(err, ErrRunFinished) {
		t.Fatalf("finish twice should report finished, got %v", err)
	}
	if _, err := store.Claim(ctx, "r1"); !stdErrors.Is(err, ErrRunFinished) {
		t.Fatalf("claiming a finished run should fail, got %v", err)
	}

	final, _ := store.Get(ctx, "r1")
	if final.Status != workflow.ChainCancelled || final.Steps["code_review"].Status != workflow.StepSucceeded || final.FinishedAt.IsZero() {
		t.Fatalf("unexpected final run: %+v", final)
	}
	again, err := store.Cancel(ctx, "r1")
	if err != nil || again.Status != workflow.ChainCancelled {
		t.Fatalf("cancelling a terminal run is a no-op: %+v %v", again, err)
	}
}

func TestMemoryStoreCancelPending(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, &Run{ID: "p1", ChainID: "diagnostics"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	run, err := store.Cancel(ctx, "p1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if run.Status != workflow.ChainCancelled || run.ErrorCode != string(xerrors.CodeCancelled) || run.FinishedAt.IsZero() {
		t.Fatalf("pending run should be cancelled immediately: %+v", run)
	}
	if _, err := store.Claim(ctx, "p1"); !stdErrors.Is(err, ErrRunFinished) {
		t.Fatalf("a cancelled run must never start, got %v", err)
	}
	if _, err := store.Cancel(ctx, "missing"); !stdErrors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreReleaseReturnsRunToPending(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"r1", "r2"} {
		if err := store.Create(ctx, &Run{ID: id, ChainID: "deployment", Cursor: -1}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	if err := store.Release(ctx, "r1"); !stdErrors.Is(err, ErrRunConflict) {
		t.Fatalf("pending run cannot be released, got %v", err)
	}
	if _, err := store.Claim(ctx, "r1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	steps := map[string]workflow.StepResult{"code_review": {Status: workflow.StepSucceeded, Attempts: 1}}
	if _, err := store.UpdateSteps(ctx, "r1", steps, 0); err != nil {
		t.Fatalf("update steps: %v", err)
	}
	if err := store.Release(ctx, "r1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	run, _ := store.Get(ctx, "r1")
	if run.Status != workflow.ChainPending || len(run.Steps) != 0 || run.Cursor != -1 || !run.StartedAt.IsZero() {
		t.Fatalf("released run should look freshly submitted: %+v", run)
	}
	if _, err := store.Claim(ctx, "r1"); err != nil {
		t.Fatalf("released run should be claimable again: %v", err)
	}

	if _, err := store.Claim(ctx, "r2"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.Cancel(ctx, "r2"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := store.Release(ctx, "r2"); !stdErrors.Is(err, ErrRunConflict) {
		t.Fatalf("run with a cancel request must not be released, got %v", err)
	}
	if err := store.Release(ctx, "missing"); !stdErrors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreListStatsAndRetention(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	store.now = func() time.Time { return clock }

	create := func(id, chain string) {
		t.Helper()
		if err := store.Create(ctx, &Run{ID: id, ChainID: chain}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
		clock = clock.Add(time.Minute)
	}
	create("init_1", "initialization")
	create("deploy_1", "deployment")
	create("deploy_2", "deployment")

	if _, err := store.Claim(ctx, "deploy_1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.Finish(ctx, "deploy_1", Completion{Status: workflow.ChainFailed, ErrorCode: "CHAIN_ABORTED", LastError: "code_review failed"}); err != nil {
		t.Fatalf("finish: %v", err)
	}
	clock = clock.Add(time.Minute)
	if _, err := store.Claim(ctx, "init_1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	all, err := store.List(ctx, BuildListOptions())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].ID != "init_1" {
		t.Fatalf("expected most recently updated first: %+v", all)
	}

	deployments, _ := store.List(ctx, BuildListOptions(WithChain("deployment"), WithSortOrder(SortByUpdatedAsc)))
	if len(deployments) != 2 || deployments[0].ID != "deploy_2" {
		t.Fatalf("unexpected deployment list: %+v", deployments)
	}
	failed, _ := store.List(ctx, BuildListOptions(WithStatuses(workflow.ChainFailed, "bogus")))
	if len(failed) != 1 || failed[0].ID != "deploy_1" {
		t.Fatalf("unexpected failed list: %+v", failed)
	}
	matched, _ := store.List(ctx, BuildListOptions(WithQuery("CODE_REVIEW")))
	if len(matched) != 1 || matched[0].ID != "deploy_1" {
		t.Fatalf("query should match last error case-insensitively: %+v", matched)
	}
	paged, _ := store.List(ctx, BuildListOptions(WithLimit(1), WithOffset(1)))
	if len(paged) != 1 || paged[0].ID != "deploy_1" {
		t.Fatalf("unexpected page: %+v", paged)
	}

	stats, err := store.Stats(ctx, BuildListOptions())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 1 || stats.Running != 1 || stats.Failed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if !stats.OldestUpdatedAt.Equal(base.Add(2*time.Minute)) || !stats.NewestUpdatedAt.Equal(clock) {
		t.Fatalf("unexpected stats range: %+v", stats)
	}

	finishedAt := base.Add(3 * time.Minute)
	removed, err := store.DeleteFinishedBefore(ctx, finishedAt)
	if err != nil || removed != 0 {
		t.Fatalf("cutoff is exclusive: removed=%d err=%v", removed, err)
	}
	removed, _ = store.DeleteFinishedBefore(ctx, finishedAt.Add(time.Second))
	if removed != 1 {
		t.Fatalf("expected the failed run to be removed, got %d", removed)
	}
	if _, err := store.Get(ctx, "deploy_1"); !stdErrors.Is(err, ErrRunNotFound) {
		t.Fatalf("deleted run should be gone, got %v", err)
	}
	if err := store.Delete(ctx, "deploy_1"); !stdErrors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
