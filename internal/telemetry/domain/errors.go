package telemetry

import (
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline failures.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindDecode is a malformed payload. The record is dropped.
	KindDecode
	// KindTransport is a broker connection failure.
	KindTransport
	// KindPersistence is a failed batch write.
	KindPersistence
)

func (k ErrorKind) String() string {
	switch k {
	case KindDecode:
		return "decode"
	case KindTransport:
		return "transport"
	case KindPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

var (
	// ErrEmptyBatch is returned when an empty batch is handed to a writer.
	ErrEmptyBatch = errors.New("telemetry: empty batch")
	// ErrMisalignedColumns is returned when column lengths differ.
	ErrMisalignedColumns = errors.New("telemetry: misaligned columns")
)

// Error is a classified pipeline failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("telemetry %s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("telemetry %s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// DecodeError wraps err as a decode failure.
func DecodeError(op string, err error) error {
	return &Error{Kind: KindDecode, Op: op, Err: err}
}

// TransportError wraps err as a transport failure.
func TransportError(op string, err error) error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

// PersistenceError wraps err as a persistence failure.
func PersistenceError(op string, err error) error {
	return &Error{Kind: KindPersistence, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) ErrorKind {
	var target *Error
	if errors.As(err, &target) {
		return target.Kind
	}
	return KindUnknown
}
