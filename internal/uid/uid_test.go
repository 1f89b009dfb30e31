package uid

import (
	"testing"

	"github.com/google/uuid"
)

func TestNew(t *testing.T) {
	a, b := New(), New()
	if len(a) != 32 {
		t.Errorf("len(New()) = %d, want 32", len(a))
	}
	if a == b {
		t.Errorf("New() returned duplicate %q", a)
	}
}

func TestNewOperationID(t *testing.T) {
	id := NewOperationID()
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("NewOperationID() = %q is not a UUID: %v", id, err)
	}
}
