// Package audit records the outcome and timing of every invocation beneath
// it. Persistence failures are logged and dropped; the business path never
// sees them.
package audit

import (
	"context"
	"time"
)

// RecordStatus marks the business outcome of the audited call.
type RecordStatus string

const (
	StatusOK    RecordStatus = "OK"
	StatusError RecordStatus = "ERROR"
)

// Record is one append-only audit row.
type Record struct {
	CorrelationID  string
	TraceID        string
	TargetType     string
	MethodKey      string
	ArgsJSON       string
	ResultJSON     string
	ErrorMessage   string
	ErrorStack     string
	Status         RecordStatus
	DurationMillis int64
	CreatedAt      time.Time
}

// Sink appends records in a transaction isolated from the request, so a row
// that cannot be written disappears without failing the call.
type Sink interface {
	Append(ctx context.Context, record Record) error
}
