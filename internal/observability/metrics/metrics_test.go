package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Xeros-AGiXT/Xeros/internal/workflow"
)

func TestRunLifecycleMetrics(t *testing.T) {
	c := New()
	ec := workflow.NewExecutionContext("deployment", "deploy_1", nil)
	def := &workflow.ChainDefinition{ID: "deployment"}

	c.RunSubmitted("deployment")
	c.RunStarted("deployment", 20*time.Millisecond)
	c.ChainStarted(context.Background(), ec, def)
	if got := testutil.ToFloat64(c.runsRunning.WithLabelValues("deployment")); got != 1 {
		t.Fatalf("running gauge = %v", got)
	}

	c.StepFinished(context.Background(), ec, workflow.StepDefinition{Name: "code_review"},
		workflow.StepResult{Status: workflow.StepSucceeded, Attempts: 2, Duration: time.Second})
	c.StepFinished(context.Background(), ec, workflow.StepDefinition{Name: "command_generation"},
		workflow.StepResult{Status: workflow.StepSkipped})
	c.ChainFinished(context.Background(), ec, def, workflow.ChainCompleted, nil)
	c.RunFinished("deployment", workflow.ChainCompleted, 3*time.Second)

	if got := testutil.ToFloat64(c.runsSubmitted.WithLabelValues("deployment")); got != 1 {
		t.Fatalf("submitted = %v", got)
	}
	if got := testutil.ToFloat64(c.runsFinished.WithLabelValues("deployment", "completed")); got != 1 {
		t.Fatalf("finished = %v", got)
	}
	if got := testutil.ToFloat64(c.runsRunning.WithLabelValues("deployment")); got != 0 {
		t.Fatalf("running gauge should drop back, got %v", got)
	}
	if got := testutil.ToFloat64(c.stepAttempts.WithLabelValues("deployment", "code_review", "succeeded")); got != 2 {
		t.Fatalf("attempts = %v", got)
	}
	if got := testutil.CollectAndCount(c.stepAttempts); got != 1 {
		t.Fatalf("skipped steps should not be counted, got %d series", got)
	}
}

func TestCacheAndHTTPMetrics(t *testing.T) {
	c := New()
	c.CacheHit("initialization", "environment_check")
	c.CacheHit("initialization", "environment_check")
	c.CacheMiss("initialization", "environment_check")
	c.ObserveHTTPRequest("runs.create", http.MethodPost, http.StatusAccepted, 15*time.Millisecond)

	if got := testutil.ToFloat64(c.cacheHits.WithLabelValues("initialization", "environment_check")); got != 2 {
		t.Fatalf("hits = %v", got)
	}
	if got := testutil.ToFloat64(c.httpRequests.WithLabelValues("runs.create", "POST", "202")); got != 1 {
		t.Fatalf("http requests = %v", got)
	}

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, name := range []string{"xeros_cache_hits_total", "xeros_http_requests_total", "go_goroutines"} {
		if !strings.Contains(string(body), name) {
			t.Fatalf("metric %s missing from scrape output", name)
		}
	}
}
