// Package reports is the Report Dispatcher (spec §4.13): pushes report
// requests to a SIEM sink, retrying a failed delivery after 15 minutes
// times the attempt number, disabling global sending after repeated
// failure, and deduplicating retry-all batches by (entity,
// report_type). The backoff is computed inline in attempt.
package reports

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/epam/syndicate-rule-engine-sub001/internal/domain"
	"github.com/epam/syndicate-rule-engine-sub001/internal/errors"
	"github.com/epam/syndicate-rule-engine-sub001/internal/metrics"
	"github.com/epam/syndicate-rule-engine-sub001/internal/recordstore"
)

const (
	maxAttempts  = 4
	backoffUnit  = 15 * time.Minute
	maxPayloadBytes = 5 * 1024 * 1024
)

// Sink pushes one report payload to a SIEM. Implementations must never
// leak credentials in the returned error.
type Sink interface {
	Name() string
	Push(ctx context.Context, reportType domain.ReportType, entity string, payload []byte) error
}

// Dispatcher owns the ReportStatistics lifecycle.
type Dispatcher struct {
	store          *recordstore.Store
	sink           Sink
	globallyDisabled bool
}

func New(store *recordstore.Store, sink Sink) *Dispatcher {
	return &Dispatcher{store: store, sink: sink}
}

// Dispatch materializes a ReportStatistics record and attempts
// delivery unless global sending is disabled, per spec §4.13.
func (d *Dispatcher) Dispatch(ctx context.Context, reportType domain.ReportType, entity string, payload []byte) (*domain.ReportStatistics, error) {
	if len(payload) > maxPayloadBytes {
		return nil, errors.Validation("payload", fmt.Sprintf("exceeds maximum size of %d bytes", maxPayloadBytes))
	}

	rec := &domain.ReportStatistics{
		ID:         uuid.NewString(),
		Entity:     entity,
		ReportType: reportType,
		Status:     domain.ReportPending,
		CreatedAt:  time.Now().UTC(),
	}

	if d.globallyDisabled {
		if err := d.store.ReportStatistics.Create(ctx, rec.ID, rec); err != nil {
			return nil, err
		}
		return rec, nil
	}

	attemptErr := d.attempt(ctx, rec, reportType, entity, payload)
	if err := d.store.ReportStatistics.Create(ctx, rec.ID, rec); err != nil {
		return nil, err
	}
	return rec, attemptErr
}

func (d *Dispatcher) attempt(ctx context.Context, rec *domain.ReportStatistics, reportType domain.ReportType, entity string, payload []byte) error {
	rec.Attempt++
	if err := d.sink.Push(ctx, reportType, entity, payload); err != nil {
		rec.Status = domain.ReportFailed
		rec.LastError = err.Error()
		if rec.Attempt >= maxAttempts {
			d.globallyDisabled = true
			rec.Status = domain.ReportPending
			rec.NextRetryAt = time.Time{}
		} else {
			rec.NextRetryAt = time.Now().UTC().Add(time.Duration(rec.Attempt) * backoffUnit)
		}
		metrics.ReportDispatchTotal.WithLabelValues(d.sink.Name(), "failed").Inc()
		return errors.Upstream(d.sink.Name(), err)
	}
	rec.Status = domain.ReportSucceeded
	metrics.ReportDispatchTotal.WithLabelValues(d.sink.Name(), "succeeded").Inc()
	return nil
}

// Retry re-attempts delivery for one record that previously FAILED and
// has reached its NextRetryAt.
func (d *Dispatcher) Retry(ctx context.Context, recordID string, reportType domain.ReportType, entity string, payload []byte) error {
	rec, err := d.store.ReportStatistics.Get(ctx, recordID)
	if err != nil {
		return err
	}
	if rec.Status != domain.ReportFailed || time.Now().UTC().Before(rec.NextRetryAt) {
		return nil
	}
	_ = d.attempt(ctx, rec, reportType, entity, payload)
	return d.store.ReportStatistics.Update(ctx, recordID, rec)
}

// RetryAll picks every PENDING record, deduplicates by (entity,
// report_type), marks duplicates DUPLICATE, and re-dispatches the
// survivors. A manual retry-all always attempts delivery, even while
// global sending is disabled from prior repeated failure: it is the
// operator's explicit signal to try again, and attempt() re-disables
// sending itself if the sink keeps failing. payloadFor supplies the
// (re-rendered) payload for a record, since the original bytes are
// not persisted.
func (d *Dispatcher) RetryAll(ctx context.Context, payloadFor func(rec *domain.ReportStatistics) ([]byte, error)) (dispatched, duplicates int, err error) {
	all, err := d.store.ReportStatistics.List(ctx, "")
	if err != nil {
		return 0, 0, err
	}

	seen := make(map[string]bool)
	for _, rec := range all {
		if rec.Status != domain.ReportPending {
			continue
		}
		dedupKey := rec.DedupKey()
		if seen[dedupKey] {
			rec.Status = domain.ReportDuplicate
			_ = d.store.ReportStatistics.Update(ctx, rec.ID, rec)
			duplicates++
			continue
		}
		seen[dedupKey] = true

		payload, perr := payloadFor(rec)
		if perr != nil {
			continue
		}
		_ = d.attempt(ctx, rec, rec.ReportType, rec.Entity, payload)
		_ = d.store.ReportStatistics.Update(ctx, rec.ID, rec)
		dispatched++
	}
	return dispatched, duplicates, nil
}

// GloballyDisabled reports whether repeated failures have disabled sending.
func (d *Dispatcher) GloballyDisabled() bool { return d.globallyDisabled }

// EnableGlobalSending re-arms dispatch after an operator intervention.
func (d *Dispatcher) EnableGlobalSending() { d.globallyDisabled = false }
