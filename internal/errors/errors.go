// Package errors defines the error kinds reported by container pipelines.
//
// Bulk pipelines never short-circuit: each failed item is recorded under its
// identifier in a PartialFailure while its siblings keep running. Cancellation
// is not an error and is filtered out by Update.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknown is the terminal error kind used when a pipeline fails before any
// item could be attempted and no better cause is available.
var ErrUnknown = stderrors.New("an unknown error occurred")

// PartialFailure reports that one or more items in a bulk operation failed.
// Errors is keyed by item identifier (an asset ID, a record ID, or one of the
// pipeline stage keys such as "SavedRecords.DB").
type PartialFailure struct {
	Errors map[string]error
}

// NewPartialFailure returns an aggregate holding a single item error.
func NewPartialFailure(itemID string, err error) *PartialFailure {
	return &PartialFailure{Errors: map[string]error{itemID: err}}
}

// Error implements the error interface.
func (p *PartialFailure) Error() string {
	ids := p.ItemIDs()
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s: %v", id, p.Errors[id]))
	}
	return fmt.Sprintf("a partial error occurred (%d items): %s", len(ids), strings.Join(parts, "; "))
}

// Unwrap exposes the per-item errors to errors.Is and errors.As.
func (p *PartialFailure) Unwrap() []error {
	ids := p.ItemIDs()
	errs := make([]error, 0, len(ids))
	for _, id := range ids {
		errs = append(errs, p.Errors[id])
	}
	return errs
}

// Get returns the error recorded for itemID, or nil.
func (p *PartialFailure) Get(itemID string) error {
	if p == nil {
		return nil
	}
	return p.Errors[itemID]
}

// Len returns the number of failed items.
func (p *PartialFailure) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Errors)
}

// ItemIDs returns the failed item identifiers in sorted order.
func (p *PartialFailure) ItemIDs() []string {
	ids := make([]string, 0, len(p.Errors))
	for id := range p.Errors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Add records err under itemID, replacing any previous entry.
func (p *PartialFailure) Add(itemID string, err error) {
	if p.Errors == nil {
		p.Errors = make(map[string]error)
	}
	p.Errors[itemID] = err
}

// Update merges err into the aggregate held by agg under itemID. The first
// call creates the aggregate. A nil err or a cancellation is ignored. If agg
// already holds an error that is not a PartialFailure it is kept under the
// empty item ID.
//
// Update is not safe for concurrent use; callers hold their pipeline lock.
func Update(agg *error, err error, itemID string) {
	if err == nil || IsCanceled(err) {
		return
	}
	if *agg == nil {
		*agg = NewPartialFailure(itemID, err)
		return
	}
	pf, ok := (*agg).(*PartialFailure)
	if !ok {
		pf = NewPartialFailure("", *agg)
		*agg = pf
	}
	pf.Add(itemID, err)
}

// AsPartialFailure unwraps err into a PartialFailure if it is one.
func AsPartialFailure(err error) (*PartialFailure, bool) {
	var pf *PartialFailure
	if stderrors.As(err, &pf) {
		return pf, true
	}
	return nil, false
}

// IsCanceled reports whether err represents cancellation rather than failure.
func IsCanceled(err error) bool {
	return stderrors.Is(err, context.Canceled)
}
