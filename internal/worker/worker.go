// Package worker runs the per-file ingest state machine against batches
// pulled off the Work Queue: parse, accumulate, bulk-import, then drive each
// file to a terminal state (deleted on success, moved to buggy/ on failure)
// with a Ledger row committed first.
//
// Each Worker owns its own Ledger connection and Vector Sink client — never
// shared with another worker — so no lock is ever held across a network or
// disk call on behalf of more than one goroutine.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/snehjoshi/mailflow/internal/batch"
	"github.com/snehjoshi/mailflow/internal/ledger"
	"github.com/snehjoshi/mailflow/internal/message"
	"github.com/snehjoshi/mailflow/internal/metrics"
	"github.com/snehjoshi/mailflow/internal/stager"
	"github.com/snehjoshi/mailflow/internal/vectorsink"
	"github.com/snehjoshi/mailflow/internal/workqueue"
)

// Worker dequeues batches and drives them through the ingest state machine.
// A Worker is not safe for concurrent use by more than one goroutine; the
// Orchestrator starts one goroutine per Worker.
type Worker struct {
	id      int
	queue   *workqueue.Queue
	stage   *stager.Stager
	ledger  *ledger.Ledger
	sink    *vectorsink.Sink
	metrics *metrics.Registry
	log     *slog.Logger
}

// New creates a Worker. ledger and sink must be connections owned
// exclusively by this worker. reg is typically shared across all workers —
// its counters are lock-free and safe for that.
func New(id int, queue *workqueue.Queue, stage *stager.Stager, ledg *ledger.Ledger, sink *vectorsink.Sink, reg *metrics.Registry, log *slog.Logger) *Worker {
	return &Worker{
		id:      id,
		queue:   queue,
		stage:   stage,
		ledger:  ledg,
		sink:    sink,
		metrics: reg,
		log:     log.With("worker_id", id),
	}
}

// Close releases this Worker's own Ledger connection. Called by the
// Orchestrator after the worker's Run goroutine has returned.
func (w *Worker) Close() error {
	return w.ledger.Close()
}

// Run dequeues batches until a poison pill is received or ctx is cancelled,
// processing each batch fully before dequeuing the next. It returns nil on
// clean shutdown (poison pill) and the context error on cancellation.
func (w *Worker) Run(ctx context.Context) error {
	for {
		b, ok, err := w.queue.Pop(ctx)
		if err != nil {
			return err
		}
		if !ok {
			w.log.Info("worker received shutdown signal")
			return nil
		}

		bt, isBatch := b.(batch.Batch)
		if !isBatch {
			w.log.Error("worker: unexpected queue item type, dropping")
			continue
		}
		w.processBatch(ctx, bt)
	}
}

// processBatch runs the full state machine for one domain's batch. A panic
// anywhere in per-object import handling is recovered and treated as a
// transport failure for the whole batch, so one bad object can never take
// down the worker goroutine.
func (w *Worker) processBatch(ctx context.Context, b batch.Batch) {
	log := w.log.With("correlation_id", b.CorrelationID, "domain", b.Domain)

	var parsed []*message.Message
	pathByMailID := make(map[string]string)

	for _, path := range b.Paths {
		m, data, err := w.parseFile(path)
		if err != nil {
			log.Warn("parse failed", "path", path, "error", err)
			mailID := message.RecoverMailID(data)
			w.failFile(log, b.Domain, path, mailID, "", b.Domain, "", err)
			continue
		}
		parsed = append(parsed, m)
		pathByMailID[m.MailID] = path
	}

	if len(parsed) == 0 {
		return
	}

	if err := w.sink.EnsureTenant(ctx, b.Domain); err != nil {
		log.Error("ensure tenant failed, failing whole batch", "error", err)
		w.failBatch(log, b.Domain, parsed, pathByMailID, err)
		return
	}

	failures, err := w.safeImportBatch(ctx, b.Domain, parsed)
	if err != nil {
		log.Error("import batch failed, failing whole batch", "error", err)
		w.failBatch(log, b.Domain, parsed, pathByMailID, err)
		return
	}

	failedMailIDs := make(map[string]string, len(failures))
	for _, f := range failures {
		failedMailIDs[f.MailID] = f.Message
	}

	var successRows []ledger.Row
	for _, m := range parsed {
		path := pathByMailID[m.MailID]
		if errMsg, failed := failedMailIDs[m.MailID]; failed {
			w.failFile(log, b.Domain, path, m.MailID, m.UserID, m.Domain, m.ReceivedTimeRFC3339(), fmt.Errorf("vectorsink: %s", errMsg))
			continue
		}
		successRows = append(successRows, ledger.Row{
			MailID:       m.MailID,
			UserID:       m.UserID,
			Domain:       m.Domain,
			ReceivedTime: m.ReceivedTimeRFC3339(),
		})
	}

	if len(successRows) == 0 {
		w.metrics.BatchesFailed.Inc(b.Domain)
		return
	}

	if err := w.ledger.MarkSuccessBatch(successRows); err != nil {
		log.Error("ledger commit for successful objects failed, files remain in run/ for recovery", "error", err)
		return
	}

	for _, row := range successRows {
		path := pathByMailID[row.MailID]
		if err := w.stage.Delete(path); err != nil {
			log.Error("delete succeeded file failed", "path", path, "error", err)
		}
	}
	w.metrics.FilesSucceeded.Add(b.Domain, int64(len(successRows)))
	w.metrics.BatchesSucceeded.Inc(b.Domain)
}

// safeImportBatch recovers a panic from the sink call and reports it as a
// transport error, so per-object handling bugs degrade to a batch failure
// rather than crashing the worker.
func (w *Worker) safeImportBatch(ctx context.Context, domain string, messages []*message.Message) (failures []vectorsink.ObjectFailure, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: recovered panic: %v", vectorsink.ErrTransport, r)
		}
	}()
	return w.sink.ImportBatch(ctx, domain, messages)
}

// failBatch fails every message in the batch with the same cause, used when
// the whole batch could not be imported (ensure_tenant or import failure).
func (w *Worker) failBatch(log *slog.Logger, domain string, parsed []*message.Message, pathByMailID map[string]string, cause error) {
	for _, m := range parsed {
		w.failFile(log, domain, pathByMailID[m.MailID], m.MailID, m.UserID, m.Domain, m.ReceivedTimeRFC3339(), cause)
	}
	w.metrics.BatchesFailed.Inc(domain)
}

// failFile records a ledger failure row (when a mail_id is known) and moves
// the file to buggy/. mailID/userID/domain/receivedTime may be empty when the
// file could not even be parsed enough to recover them.
func (w *Worker) failFile(log *slog.Logger, metricsDomain, path, mailID, userID, domain, receivedTime string, cause error) {
	if mailID != "" {
		if err := w.ledger.MarkFailure(mailID, userID, domain, receivedTime, cause.Error()); err != nil {
			log.Error("ledger mark_failure failed", "mail_id", mailID, "error", err)
		}
	}
	if _, err := w.stage.MoveToBuggy(path); err != nil {
		log.Error("move to buggy failed", "path", path, "error", err)
	}
	w.metrics.FilesFailed.Inc(metricsDomain)
}

// parseFile reads and decodes the message file at path. data is returned
// even on error so the caller can attempt to recover a mail_id for the
// ledger failure row.
func (w *Worker) parseFile(path string) (*message.Message, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("worker: read %s: %w", filepath.Base(path), err)
	}
	m, err := message.FromJSON(data)
	if err != nil {
		return nil, data, fmt.Errorf("worker: parse %s: %w", filepath.Base(path), err)
	}
	return m, data, nil
}
