package domain

import (
	"fmt"

	"cloud.google.com/go/civil"
)

// EmptyInputError is returned when a run has no valid transactions, so no
// calendar range can be derived. It aborts the run before any table is built.
type EmptyInputError struct {
	Rejected int // transactions read but rejected as malformed
}

func (e *EmptyInputError) Error() string {
	if e.Rejected > 0 {
		return fmt.Sprintf("no valid transactions in input (%d rejected)", e.Rejected)
	}
	return "no transactions in input"
}

// InvalidDateRangeError is returned when a calendar is requested for min > max.
type InvalidDateRangeError struct {
	Min, Max civil.Date
}

func (e *InvalidDateRangeError) Error() string {
	return fmt.Sprintf("invalid date range: %s is after %s", e.Min, e.Max)
}

// Record sources.
const (
	SourceTransactions = "transactions"
	SourceBudget       = "budget"
)

// MalformedRecordError describes one input row that could not be parsed.
// It is not fatal: the row is excluded and counted.
type MalformedRecordError struct {
	Source   string // SourceTransactions or SourceBudget
	Line     int    // 1-based line in the source file, header included
	RecordID string
	Field    string
	Value    string
	Err      error
}

func (e *MalformedRecordError) Error() string {
	id := e.RecordID
	if id == "" {
		id = "<no id>"
	}
	return fmt.Sprintf("malformed %s record %s at line %d: field %s=%q: %v", e.Source, id, e.Line, e.Field, e.Value, e.Err)
}

func (e *MalformedRecordError) Unwrap() error { return e.Err }

// UnresolvedDimensionKey records a natural key with no dimension row.
// The fact row is still emitted with a null surrogate key.
type UnresolvedDimensionKey struct {
	Dimension  Dimension
	NaturalKey string
	RecordID   string
}

func (e *UnresolvedDimensionKey) Error() string {
	return fmt.Sprintf("record %s: %s key %q not found", e.RecordID, e.Dimension, e.NaturalKey)
}

// KeyCollisionError reports two distinct natural keys of the same dimension
// holding the same surrogate key, either produced by the hash strategy or
// found in a persisted key map.
type KeyCollisionError struct {
	Dimension Dimension
	Key       int64
	First     string
	Second    string
}

func (e *KeyCollisionError) Error() string {
	return fmt.Sprintf("%s surrogate key %d collides for %q and %q", e.Dimension, e.Key, e.First, e.Second)
}

// Write stages.
const (
	StageEncode = "encode"
	StageStage  = "stage"
	StageLoad   = "load"
)

// WriteFailure wraps an error raised while persisting one dataset.
type WriteFailure struct {
	Table string
	Stage string
	Err   error
}

func (e *WriteFailure) Error() string {
	return fmt.Sprintf("write %s (%s): %v", e.Table, e.Stage, e.Err)
}

func (e *WriteFailure) Unwrap() error { return e.Err }
