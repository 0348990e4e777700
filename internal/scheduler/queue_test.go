package scheduler

import (
	"context"
	stdErrors "errors"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	xerrors "github.com/Xeros-AGiXT/Xeros/internal/errors"
	storageredis "github.com/Xeros-AGiXT/Xeros/internal/storage/redis"
)

func TestMemoryQueueDeliversFIFO(t *testing.T) {
	queue := NewMemoryQueue(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, id := range []string{"a", "b", "c"} {
		if err := queue.Publish(ctx, id); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = queue.Consume(ctx, 1, func(_ context.Context, id string) error {
			mu.Lock()
			got = append(got, id)
			mu.Unlock()
			return nil
		})
	}()

	waitFor(t, time.Second, "three deliveries", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	})
	cancel()
	<-done
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("expected FIFO order, got %v", got)
	}

	_ = queue.Close()
	if err := queue.Publish(context.Background(), "d"); xerrors.CodeOf(err) != xerrors.CodeQueueFailure {
		t.Fatalf("publish after close should fail, got %v", err)
	}
}

// fakeRedisList 用切片模拟 Redis list：LPUSH 写入头部，BRPOP/RPUSH 操作尾部。
type fakeRedisList struct {
	mu     sync.Mutex
	items  []string
	pushed chan struct{}
	closed bool
}

func newFakeRedisList() *fakeRedisList {
	return &fakeRedisList{pushed: make(chan struct{}, 64)}
}

func (f *fakeRedisList) LPush(_ context.Context, _ string, values ...interface{}) *goredis.IntCmd {
	f.mu.Lock()
	for _, v := range values {
		f.items = append([]string{v.(string)}, f.items...)
	}
	n := int64(len(f.items))
	f.mu.Unlock()
	f.pushed <- struct{}{}
	return goredis.NewIntResult(n, nil)
}

func (f *fakeRedisList) RPush(_ context.Context, _ string, values ...interface{}) *goredis.IntCmd {
	f.mu.Lock()
	for _, v := range values {
		f.items = append(f.items, v.(string))
	}
	n := int64(len(f.items))
	f.mu.Unlock()
	f.pushed <- struct{}{}
	return goredis.NewIntResult(n, nil)
}

func (f *fakeRedisList) BRPop(ctx context.Context, timeout time.Duration, keys ...string) *goredis.StringSliceCmd {
	deadline := time.After(timeout)
	for {
		f.mu.Lock()
		if n := len(f.items); n > 0 {
			item := f.items[n-1]
			f.items = f.items[:n-1]
			f.mu.Unlock()
			return goredis.NewStringSliceResult([]string{keys[0], item}, nil)
		}
		f.mu.Unlock()
		select {
		case <-ctx.Done():
			return goredis.NewStringSliceResult(nil, ctx.Err())
		case <-deadline:
			return goredis.NewStringSliceResult(nil, goredis.Nil)
		case <-f.pushed:
		}
	}
}

func (f *fakeRedisList) Close() error {
	f.closed = true
	return nil
}

func TestRedisQueueFIFOAndRequeue(t *testing.T) {
	client := newFakeRedisList()
	queue := newRedisQueue(client, "", 20*time.Millisecond)
	if queue.queue != "xeros:runs" {
		t.Fatalf("unexpected default queue %q", queue.queue)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, id := range []string{"r1", "r2"} {
		if err := queue.Publish(ctx, id); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	var mu sync.Mutex
	var seen []string
	failedOnce := false
	done := make(chan error, 1)
	go func() {
		done <- queue.Consume(ctx, 1, func(_ context.Context, id string) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, id)
			if id == "r1" && !failedOnce {
				failedOnce = true
				return stdErrors.New("store unavailable")
			}
			return nil
		})
	}()

	waitFor(t, time.Second, "redelivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	})
	cancel()
	if err := <-done; !stdErrors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	if seen[0] != "r1" || seen[1] != "r1" || seen[2] != "r2" {
		t.Fatalf("failed run should be retried before later runs: %v", seen)
	}
	if err := queue.Close(); err != nil || !client.closed {
		t.Fatalf("close should release the client")
	}
}

func TestQueueConstructorsValidateConfig(t *testing.T) {
	if _, err := NewRedisQueue(context.Background(), RedisQueueConfig{Config: storageredis.Config{}}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("redis queue requires an address, got %v", err)
	}
	if _, err := NewRabbitMQQueue(RabbitMQConfig{}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("rabbitmq queue requires a url, got %v", err)
	}
}
