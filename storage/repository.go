// Package storage provides the sealed-record persistence layer for
// token credentials and pairing state.
package storage

import "errors"

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrCASFailed is returned when a compare-and-swap version check fails.
var ErrCASFailed = errors.New("CAS version mismatch")

// Record types used by the engine.
const (
	RecordTypeToken = "token"
)

// Repository defines the interface for sealed record storage. Records
// are addressed by (recordType, recordID); backends must not interpret
// envelope contents.
type Repository interface {
	Put(recordType string, recordID string, envelope *Envelope) error
	Get(recordType string, recordID string) (*Envelope, error)
	List(recordType string) ([]string, error)
	Delete(recordType string, recordID string) error
	PutCAS(recordType string, recordID string, expectedVersion uint64, envelope *Envelope) error
}
