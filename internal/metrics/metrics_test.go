package metrics_test

import (
	"testing"

	"github.com/snehjoshi/mailflow/internal/metrics"
)

func TestBatchesEnqueued_CountsPerDomain(t *testing.T) {
	var reg metrics.Registry

	reg.BatchesEnqueued.Inc("ex.com")
	reg.BatchesEnqueued.Inc("ex.com")
	reg.BatchesEnqueued.Inc("other.com")

	var exCount int64
	reg.BatchesEnqueued.Each(func(k string, v int64) {
		if k == "ex.com" {
			exCount = v
		}
	})
	if exCount != 2 {
		t.Fatalf("ex.com count = %d, want 2", exCount)
	}
}

func TestSnapshot_TotalsAcrossDomains(t *testing.T) {
	var reg metrics.Registry

	reg.FilesSucceeded.Add("ex.com", 3)
	reg.FilesSucceeded.Add("other.com", 4)
	reg.FilesFailed.Inc("ex.com")
	reg.BatchesEnqueued.Inc("ex.com")
	reg.BatchesSucceeded.Inc("ex.com")
	reg.BatchesFailed.Inc("other.com")

	s := reg.Snapshot()
	if s.FilesSucceeded != 7 {
		t.Errorf("FilesSucceeded = %d, want 7", s.FilesSucceeded)
	}
	if s.FilesFailed != 1 {
		t.Errorf("FilesFailed = %d, want 1", s.FilesFailed)
	}
	if s.BatchesEnqueued != 1 || s.BatchesSucceeded != 1 || s.BatchesFailed != 1 {
		t.Errorf("unexpected batch totals: %+v", s)
	}
}

func TestRegistry_ZeroValueIsReady(t *testing.T) {
	var reg metrics.Registry
	s := reg.Snapshot()
	if s.BatchesEnqueued != 0 || s.FilesSucceeded != 0 {
		t.Errorf("expected zero-value registry to report all zeros, got %+v", s)
	}
}

func TestRegistry_ConcurrentInc(t *testing.T) {
	var reg metrics.Registry

	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		go func() {
			reg.FilesSucceeded.Inc("ex.com")
			done <- struct{}{}
		}()
	}
	for i := 0; i < 100; i++ {
		<-done
	}

	if got := reg.FilesSucceeded.Total(); got != 100 {
		t.Fatalf("concurrent Inc: got %d, want 100", got)
	}
}
