package application

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"

	"github.com/ericfisherdev/policygate/internal/domain/model"
	"github.com/ericfisherdev/policygate/internal/domain/port/driven"
)

// ViolationLedger accumulates the verdicts of one evaluation pass for a single
// merge request and report type, then persists them in one transaction.
//
// A policy reported as violated is upserted; a policy reported only as
// unviolated has its row removed. Policies the ledger was never told about are
// left untouched, so evaluators only pass the policies they actually decided.
type ViolationLedger struct {
	store          driven.ViolationStore
	mergeRequestID int64
	reportType     model.ReportType

	violated   map[int64]bool
	unviolated map[int64]bool
	entries    map[int64]model.Violation
	rules      []model.RuleUpdate
}

// NewViolationLedger creates an empty ledger for the merge request and report type.
func NewViolationLedger(store driven.ViolationStore, mergeRequestID int64, reportType model.ReportType) *ViolationLedger {
	return &ViolationLedger{
		store:          store,
		mergeRequestID: mergeRequestID,
		reportType:     reportType,
		violated:       make(map[int64]bool),
		unviolated:     make(map[int64]bool),
		entries:        make(map[int64]model.Violation),
	}
}

// Add records which policies were evaluated as violated and which were not.
// A policy named in both sets counts as violated.
func (l *ViolationLedger) Add(violated, unviolated []int64) {
	for _, id := range violated {
		l.violated[id] = true
	}
	for _, id := range unviolated {
		l.unviolated[id] = true
	}
}

// AddViolation records the payload of a violated policy. License payloads for
// the same policy are merged; other payloads replace earlier ones. Any error
// previously recorded for the policy is dropped.
func (l *ViolationLedger) AddViolation(policyID int64, data model.ViolationData, vctx model.ViolationContext) {
	l.violated[policyID] = true

	if existing, ok := l.entries[policyID]; ok && existing.Error == model.ErrorNone {
		if prev, ok := existing.Data.(model.LicenseData); ok {
			if next, ok := data.(model.LicenseData); ok {
				data = mergeLicenseData(prev, next)
			}
		}
	}

	l.entries[policyID] = model.Violation{
		MergeRequestID: l.mergeRequestID,
		PolicyID:       policyID,
		ReportType:     l.reportType,
		Data:           data,
		Context:        vctx,
	}
}

// AddError records that the policy could not be evaluated. The policy counts
// as violated and any payload previously recorded for it is dropped.
func (l *ViolationLedger) AddError(policyID int64, violationErr model.ViolationError, vctx model.ViolationContext) {
	l.violated[policyID] = true
	l.entries[policyID] = model.Violation{
		MergeRequestID: l.mergeRequestID,
		PolicyID:       policyID,
		ReportType:     l.reportType,
		Context:        vctx,
		Error:          violationErr,
	}
}

// SyncRules attaches the approval rule updates of a synchronizer plan so they
// are written in the same transaction as the violations.
func (l *ViolationLedger) SyncRules(sync model.RuleSync) {
	l.rules = append(l.rules, sync.Updates()...)
}

// Batch returns the changes the ledger would commit. Upserts and cleared
// policies are ordered by policy ID.
func (l *ViolationLedger) Batch() model.ViolationBatch {
	batch := model.ViolationBatch{
		MergeRequestID: l.mergeRequestID,
		RuleUpdates:    slices.Clone(l.rules),
	}

	for _, id := range sortedKeys(l.violated) {
		v, ok := l.entries[id]
		if !ok {
			v = model.Violation{
				MergeRequestID: l.mergeRequestID,
				PolicyID:       id,
				ReportType:     l.reportType,
			}
		}
		batch.Upserts = append(batch.Upserts, v)
	}

	for _, id := range sortedKeys(l.unviolated) {
		if !l.violated[id] {
			batch.ClearedPolicyIDs = append(batch.ClearedPolicyIDs, id)
		}
	}

	return batch
}

// Execute commits the accumulated batch. Running it twice with the same
// state leaves the store unchanged the second time.
func (l *ViolationLedger) Execute(ctx context.Context) error {
	batch := l.Batch()
	if batch.Empty() {
		return nil
	}
	if err := l.store.Commit(ctx, batch); err != nil {
		return fmt.Errorf("commit %s violations for merge request %d: %w", l.reportType, l.mergeRequestID, err)
	}
	return nil
}

func mergeLicenseData(a, b model.LicenseData) model.LicenseData {
	merged := make(model.LicenseData, len(a)+len(b))
	for name, deps := range a {
		merged[name] = slices.Clone(deps)
	}
	for name, deps := range b {
		combined := append(merged[name], deps...)
		sort.Strings(combined)
		merged[name] = slices.Compact(combined)
	}
	return merged
}

func sortedKeys[V any](m map[int64]V) []int64 {
	return slices.Sorted(maps.Keys(m))
}
