package workqueue_test

import (
	"context"
	"testing"
	"time"

	"github.com/snehjoshi/mailflow/internal/workqueue"
)

func TestPushPop_FIFOOrder(t *testing.T) {
	q := workqueue.New(workqueue.Config{MaxSize: 10})
	ctx := context.Background()

	if err := q.Push(ctx, "a"); err != nil {
		t.Fatalf("Push() error: %v", err)
	}
	if err := q.Push(ctx, "b"); err != nil {
		t.Fatalf("Push() error: %v", err)
	}

	v1, ok, err := q.Pop(ctx)
	if err != nil || !ok {
		t.Fatalf("Pop() = %v, %v, %v", v1, ok, err)
	}
	if v1 != "a" {
		t.Errorf("expected FIFO order, got %v first", v1)
	}

	v2, ok, err := q.Pop(ctx)
	if err != nil || !ok || v2 != "b" {
		t.Fatalf("Pop() = %v, %v, %v", v2, ok, err)
	}
}

func TestPush_BlocksWhenFullUntilContextCancelled(t *testing.T) {
	q := workqueue.New(workqueue.Config{MaxSize: 1})
	ctx := context.Background()
	if err := q.Push(ctx, "full"); err != nil {
		t.Fatalf("Push() error: %v", err)
	}

	cctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := q.Push(cctx, "blocked")
	if err == nil {
		t.Fatal("expected context deadline error when queue stays full")
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Error("expected Push to block until context deadline")
	}
}

func TestPop_BlocksWhenEmptyUntilContextCancelled(t *testing.T) {
	q := workqueue.New(workqueue.Config{MaxSize: 1})
	cctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, _, err := q.Pop(cctx)
	if err == nil {
		t.Fatal("expected context deadline error when queue stays empty")
	}
}

func TestTryPush_ReturnsErrFullWithoutBlocking(t *testing.T) {
	q := workqueue.New(workqueue.Config{MaxSize: 1})
	if err := q.TryPush("a"); err != nil {
		t.Fatalf("first TryPush() error: %v", err)
	}
	if err := q.TryPush("b"); err != workqueue.ErrFull {
		t.Fatalf("expected ErrFull, got %v", err)
	}
}

func TestPoisonPill_StopsWorkerLoop(t *testing.T) {
	q := workqueue.New(workqueue.Config{MaxSize: 2})
	ctx := context.Background()

	if err := q.Push(ctx, "work"); err != nil {
		t.Fatalf("Push() error: %v", err)
	}
	if err := q.PushPoisonPill(ctx); err != nil {
		t.Fatalf("PushPoisonPill() error: %v", err)
	}

	_, ok, err := q.Pop(ctx)
	if err != nil || !ok {
		t.Fatalf("expected real batch first, got ok=%v err=%v", ok, err)
	}

	_, ok, err = q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop() error: %v", err)
	}
	if ok {
		t.Error("expected poison pill to report ok=false")
	}
}

func TestMultipleWorkers_EachReceivesExactlyOnePill(t *testing.T) {
	const workers = 3
	q := workqueue.New(workqueue.Config{MaxSize: workers})
	ctx := context.Background()

	for i := 0; i < workers; i++ {
		if err := q.PushPoisonPill(ctx); err != nil {
			t.Fatalf("PushPoisonPill() error: %v", err)
		}
	}

	type result struct {
		ok bool
	}
	results := make(chan result, workers)
	for i := 0; i < workers; i++ {
		go func() {
			_, ok, err := q.Pop(ctx)
			if err != nil {
				t.Errorf("Pop() error: %v", err)
			}
			results <- result{ok: ok}
		}()
	}

	for i := 0; i < workers; i++ {
		r := <-results
		if r.ok {
			t.Error("expected every pop to observe a poison pill")
		}
	}
}

func TestLenAndCap_ReflectBufferedItems(t *testing.T) {
	q := workqueue.New(workqueue.Config{MaxSize: 5})
	if q.Cap() != 5 {
		t.Errorf("expected Cap() == 5, got %d", q.Cap())
	}
	if q.Len() != 0 {
		t.Errorf("expected Len() == 0, got %d", q.Len())
	}
	_ = q.TryPush("x")
	if q.Len() != 1 {
		t.Errorf("expected Len() == 1 after push, got %d", q.Len())
	}
}

func TestNew_ZeroMaxSizeDefaultsToOne(t *testing.T) {
	q := workqueue.New(workqueue.Config{})
	if q.Cap() != 1 {
		t.Errorf("expected Cap() == 1 for zero-value Config, got %d", q.Cap())
	}
}
