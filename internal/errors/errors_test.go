package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

var errBoom = stderrors.New("boom")

func TestUpdateCreatesAndMerges(t *testing.T) {
	var agg error
	Update(&agg, nil, "a")
	if agg != nil {
		t.Fatalf("nil error should not create an aggregate, got %v", agg)
	}

	Update(&agg, errBoom, "a")
	Update(&agg, fmt.Errorf("wrapped: %w", errBoom), "b")

	pf, ok := AsPartialFailure(agg)
	if !ok {
		t.Fatalf("expected a PartialFailure, got %T", agg)
	}
	if pf.Len() != 2 {
		t.Errorf("Len = %d, want 2", pf.Len())
	}
	if pf.Get("a") != errBoom {
		t.Errorf("Get(a) = %v", pf.Get("a"))
	}
	if pf.Get("missing") != nil {
		t.Errorf("Get(missing) = %v, want nil", pf.Get("missing"))
	}
	if !stderrors.Is(agg, errBoom) {
		t.Error("errors.Is should see item errors through Unwrap")
	}
	if got := strings.Join(pf.ItemIDs(), ","); got != "a,b" {
		t.Errorf("ItemIDs = %q", got)
	}
	if !strings.Contains(agg.Error(), "2 items") {
		t.Errorf("Error() = %q", agg.Error())
	}
}

func TestUpdateIgnoresCancellation(t *testing.T) {
	var agg error
	Update(&agg, context.Canceled, "a")
	Update(&agg, fmt.Errorf("fetch: %w", context.Canceled), "b")
	if agg != nil {
		t.Errorf("cancellation should not be recorded, got %v", agg)
	}
}

func TestUpdateKeepsPlainError(t *testing.T) {
	agg := error(ErrUnknown)
	Update(&agg, errBoom, "a")

	pf, ok := AsPartialFailure(agg)
	if !ok {
		t.Fatalf("expected a PartialFailure, got %T", agg)
	}
	if pf.Get("") != ErrUnknown {
		t.Errorf("previous error under empty ID = %v", pf.Get(""))
	}
	if pf.Get("a") != errBoom {
		t.Errorf("Get(a) = %v", pf.Get("a"))
	}
}

func TestNilPartialFailure(t *testing.T) {
	var pf *PartialFailure
	if pf.Len() != 0 || pf.Get("a") != nil {
		t.Error("nil PartialFailure should report no items")
	}
	if _, ok := AsPartialFailure(errBoom); ok {
		t.Error("plain error is not a PartialFailure")
	}
}

func TestIsCanceled(t *testing.T) {
	if !IsCanceled(fmt.Errorf("x: %w", context.Canceled)) {
		t.Error("wrapped cancel not detected")
	}
	if IsCanceled(context.DeadlineExceeded) {
		t.Error("deadline is a failure, not a cancellation")
	}
}
