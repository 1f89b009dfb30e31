// Package uid provides identifier generation for operations, uploads and
// temporary files.
package uid

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a 32-character hex string for upload IDs and temp file names.
func New() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewOperationID returns the canonical UUID string identifying an operation
// or operation group.
func NewOperationID() string {
	return uuid.NewString()
}

// NewRecordID returns a fresh record name for records created without one.
func NewRecordID() string {
	return strings.ToUpper(uuid.NewString())
}
