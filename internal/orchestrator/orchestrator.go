// Package orchestrator wires Config, the Status Ledger, Tenant Cache,
// Vector Sink, Filesystem Stager, Batcher, Work Queue, Worker Pool, and
// Metrics together into one running process.
//
// The Orchestrator owns exactly one Ledger connection and one Vector Sink
// client of its own (the client is used for schema setup; the connection for
// pending rows at enqueue and failure rows for unresolvable files); New also
// opens a separate pair for each Worker, never sharing either with the
// Orchestrator or with a peer worker.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/snehjoshi/mailflow/internal/batch"
	"github.com/snehjoshi/mailflow/internal/config"
	"github.com/snehjoshi/mailflow/internal/instanceid"
	"github.com/snehjoshi/mailflow/internal/ledger"
	"github.com/snehjoshi/mailflow/internal/message"
	"github.com/snehjoshi/mailflow/internal/metrics"
	"github.com/snehjoshi/mailflow/internal/stager"
	"github.com/snehjoshi/mailflow/internal/tenantcache"
	"github.com/snehjoshi/mailflow/internal/vectorsink"
	"github.com/snehjoshi/mailflow/internal/worker"
	"github.com/snehjoshi/mailflow/internal/workqueue"
)

// shutdownDeadline bounds how long shutdown waits for workers to exit on their
// own before returning anyway, leaving any still-running worker's files in
// run/ for the next startup's recovery sweep.
const shutdownDeadline = 30 * time.Second

// metricsLogEvery logs a progress summary once per this many poll cycles.
const metricsLogEvery = 30

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// Orchestrator runs the main poll loop and owns the Worker Pool's lifetime.
type Orchestrator struct {
	cfg *config.Config
	log *slog.Logger

	stage   *stager.Stager
	ledger  *ledger.Ledger
	tenants *tenantcache.Cache
	sink    *vectorsink.Sink
	queue   *workqueue.Queue
	metrics *metrics.Registry
	inst    *instanceid.Instance

	workers    []*worker.Worker
	workerWG   sync.WaitGroup
	cancelFunc context.CancelFunc
}

// New performs the full startup sequence: opens the ledger, loads the
// tenant cache, ensures the collection exists, recovers run/ into wait/, and
// constructs (but does not yet start) the Work Queue and Worker Pool.
func New(cfg *config.Config, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: invalid config: %w", err)
	}

	o := &Orchestrator{
		cfg:     cfg,
		log:     slog.Default(),
		metrics: &metrics.Registry{},
	}
	for _, opt := range opts {
		opt(o)
	}

	stage, err := stager.New(cfg.Paths.WaitDir, cfg.Paths.RunDir, cfg.Paths.BuggyDir)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: start stager: %w", err)
	}
	o.stage = stage

	ledg, err := ledger.Open(cfg.Paths.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open ledger: %w", err)
	}
	o.ledger = ledg

	dataDir := filepath.Dir(cfg.Paths.SQLitePath)
	tenants, err := tenantcache.New(dataDir)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load tenant cache: %w", err)
	}
	o.tenants = tenants

	inst, err := instanceid.New(dataDir)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load instance id: %w", err)
	}
	o.inst = inst
	o.log = o.log.With("instance_id", inst.ID().String())

	o.sink = vectorsink.New(cfg.Weaviate.Host, cfg.Weaviate.APIKey, cfg.Weaviate.CollectionName, tenants)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	embedding := vectorsink.EmbeddingConfig{
		Provider:         string(cfg.Weaviate.Embedding.Provider),
		Model:            cfg.Weaviate.Embedding.Model,
		VectorDimensions: cfg.Weaviate.Embedding.VectorDimensions,
	}
	if err := o.sink.EnsureCollection(ctx, nil, embedding); err != nil {
		ledg.Close()
		return nil, fmt.Errorf("orchestrator: ensure collection: %w", err)
	}

	if err := o.recoverRunDir(); err != nil {
		ledg.Close()
		return nil, fmt.Errorf("orchestrator: recover run dir: %w", err)
	}

	o.queue = workqueue.New(workqueue.Config{MaxSize: cfg.Queue.MaxSize})

	o.workers = make([]*worker.Worker, cfg.Worker.Threads)
	for i := range o.workers {
		workerLedger, err := ledger.Open(cfg.Paths.SQLitePath)
		if err != nil {
			ledg.Close()
			return nil, fmt.Errorf("orchestrator: open worker ledger %d: %w", i, err)
		}
		workerSink := vectorsink.New(cfg.Weaviate.Host, cfg.Weaviate.APIKey, cfg.Weaviate.CollectionName, tenants)
		o.workers[i] = worker.New(i, o.queue, o.stage, workerLedger, workerSink, o.metrics, o.log)
	}

	return o, nil
}

// recoverRunDir moves every file still in run/ (left behind by a crash)
// back to wait/ so the next poll cycle re-batches it. This is idempotent:
// the Ledger's pending rows for these files may be stale and will be
// overwritten on re-ingest.
func (o *Orchestrator) recoverRunDir() error {
	names, err := o.stage.ListRun()
	if err != nil {
		return err
	}
	for _, name := range names {
		if _, err := o.stage.MoveRunBackToWait(name); err != nil {
			o.log.Error("recovery: move run file back to wait failed", "name", name, "error", err)
		}
	}
	if len(names) > 0 {
		o.log.Info("recovered files from run/", "count", len(names))
	}
	return nil
}

// Start launches the Worker Pool and runs the main poll loop until ctx is
// cancelled, then drives shutdown. It blocks until shutdown completes.
func (o *Orchestrator) Start(ctx context.Context) error {
	workerCtx, cancel := context.WithCancel(context.Background())
	o.cancelFunc = cancel

	for _, w := range o.workers {
		o.workerWG.Add(1)
		go func(w *worker.Worker) {
			defer o.workerWG.Done()
			if err := w.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				o.log.Error("worker exited with error", "error", err)
			}
		}(w)
	}

	o.mainLoop(ctx)
	return o.shutdown()
}

// mainLoop wakes every poll_interval seconds to scan wait/, batch, and
// enqueue, until ctx is cancelled.
func (o *Orchestrator) mainLoop(ctx context.Context) {
	interval := time.Duration(o.cfg.Worker.PollInterval * float64(time.Second))
	cycle := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		o.pollOnce(ctx)
		cycle++
		if cycle%metricsLogEvery == 0 {
			o.logMetrics()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// pollOnce runs a single poll cycle: compute capacity, list pending files,
// batch, route failures, and enqueue selected batches.
func (o *Orchestrator) pollOnce(ctx context.Context) {
	capacity := o.cfg.Queue.MaxSize - o.queue.Len()
	if capacity <= 0 {
		return
	}

	names, err := o.stage.ListPending(1000)
	if err != nil {
		o.log.Error("list pending failed", "error", err)
		return
	}
	if len(names) == 0 {
		return
	}

	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(o.stage.WaitDir(), n)
	}

	selected, failures := batch.Resolve(paths, capacity, o.inst.NewCorrelationID)

	for _, f := range failures {
		o.routeResolutionFailure(f)
	}

	for _, b := range selected {
		o.enqueueBatch(ctx, b)
	}
}

// routeResolutionFailure moves a domain-resolution failure straight to
// buggy/ and records a ledger row if mail_id is recoverable, without ever
// enqueuing it.
func (o *Orchestrator) routeResolutionFailure(f batch.ResolutionFailure) {
	o.log.Warn("domain resolution failed", "path", f.Path, "error", f.Err)

	mailID := o.recoverMailID(f.Path)
	if mailID != "" {
		if err := o.ledger.MarkFailure(mailID, "", "", "", f.Err.Error()); err != nil {
			o.log.Error("ledger mark_failure for resolution failure failed", "path", f.Path, "error", err)
		}
	}

	if _, err := o.stage.MoveToBuggy(f.Path); err != nil {
		o.log.Error("move resolution failure to buggy failed", "path", f.Path, "error", err)
	}
	o.metrics.FilesFailed.Inc("unresolved")
}

// recoverMailID makes a best-effort attempt to read mail_id out of a file
// whose domain could not be resolved, for the ledger row.
func (o *Orchestrator) recoverMailID(path string) string {
	data, err := readFile(path)
	if err != nil {
		return ""
	}
	return message.RecoverMailID(data)
}

// enqueueBatch moves the batch's files into run/, upserts pending ledger
// rows in one transaction, and pushes the batch onto the Work Queue.
func (o *Orchestrator) enqueueBatch(ctx context.Context, b batch.Batch) {
	log := o.log.With("correlation_id", b.CorrelationID, "domain", b.Domain)

	newPaths := make([]string, 0, len(b.Paths))
	rows := make([]ledger.Row, 0, len(b.Paths))

	for _, path := range b.Paths {
		data, err := readFile(path)
		if err != nil {
			log.Error("read file before move failed", "path", path, "error", err)
			continue
		}
		m, err := message.FromJSON(data)
		if err != nil {
			log.Warn("parse failed before enqueue, deferring to worker", "path", path)
		}

		newPath, err := o.stage.MoveToRun(filepath.Base(path))
		if err != nil {
			log.Error("move to run failed", "path", path, "error", err)
			continue
		}
		newPaths = append(newPaths, newPath)

		if m != nil {
			rows = append(rows, ledger.Row{
				MailID:       m.MailID,
				UserID:       m.UserID,
				Domain:       m.Domain,
				ReceivedTime: m.ReceivedTimeRFC3339(),
			})
		}
	}

	if len(newPaths) == 0 {
		return
	}

	if len(rows) > 0 {
		if err := o.ledger.UpsertPendingBatch(rows); err != nil {
			log.Error("upsert pending batch failed", "error", err)
		}
	}

	b.Paths = newPaths
	if err := o.queue.Push(ctx, b); err != nil {
		log.Error("push batch to queue failed", "error", err)
		return
	}
	o.metrics.BatchesEnqueued.Inc(b.Domain)
}

// logMetrics emits one structured-log line summarizing in-process counters.
func (o *Orchestrator) logMetrics() {
	s := o.metrics.Snapshot()
	o.log.Info("progress",
		"batches_enqueued", s.BatchesEnqueued,
		"batches_succeeded", s.BatchesSucceeded,
		"batches_failed", s.BatchesFailed,
		"files_succeeded", s.FilesSucceeded,
		"files_failed", s.FilesFailed,
	)
}

// shutdown pushes one poison pill per worker, waits up to shutdownDeadline
// for all workers to exit, then closes every connection this Orchestrator
// owns directly.
func (o *Orchestrator) shutdown() error {
	o.log.Info("shutdown: pushing poison pills")

	pushCtx, cancelPush := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancelPush()
	for range o.workers {
		if err := o.queue.PushPoisonPill(pushCtx); err != nil {
			o.log.Error("shutdown: push poison pill failed", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		o.workerWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.log.Info("shutdown: all workers exited cleanly")
	case <-time.After(shutdownDeadline):
		o.log.Warn("shutdown: deadline exceeded, forcing exit; residual run/ files will be recovered on next startup")
		o.cancelFunc()
	}

	o.Close()
	return nil
}

// Close releases every connection the Orchestrator owns directly: its own
// Ledger connection and each worker's Ledger connection. Safe to call
// without having called Start, for tests and for startup-failure cleanup.
func (o *Orchestrator) Close() {
	for _, w := range o.workers {
		if err := w.Close(); err != nil {
			o.log.Error("close worker ledger failed", "error", err)
		}
	}
	if err := o.ledger.Close(); err != nil {
		o.log.Error("close ledger failed", "error", err)
	}
}

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}
