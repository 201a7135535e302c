package etf

import (
	"fmt"

	"github.com/pkg/errors"
)

// DecodeError is the taxonomy of failures Decode can return (spec §7).
type DecodeError struct {
	Kind string
	Byte byte // meaningful for InvalidTag
}

func (e *DecodeError) Error() string {
	if e.Kind == "InvalidTag" {
		return fmt.Sprintf("etf: invalid tag %d", e.Byte)
	}
	return "etf: " + e.Kind
}

var (
	// ErrTruncated is returned when the stream ends mid-term.
	ErrTruncated = &DecodeError{Kind: "Truncated"}
	// ErrInvalidUtf8 is returned when an atom's bytes are not valid UTF-8.
	ErrInvalidUtf8 = &DecodeError{Kind: "InvalidUtf8"}
	// ErrDuplicateMapKey is returned when a map has two structurally equal keys.
	ErrDuplicateMapKey = &DecodeError{Kind: "DuplicateMapKey"}
	// ErrBitBinaryInvalidBitCount is returned for a trailing-bit count outside 1..7.
	ErrBitBinaryInvalidBitCount = &DecodeError{Kind: "BitBinaryInvalidBitCount"}
	// ErrBigIntNonCanonical is returned when a bignum's magnitude carries a
	// trailing zero byte.
	ErrBigIntNonCanonical = &DecodeError{Kind: "BigIntNonCanonical"}
)

// InvalidTag builds the InvalidTag(t) decode error for tag byte t.
func InvalidTag(t byte) error {
	return errors.WithStack(&DecodeError{Kind: "InvalidTag", Byte: t})
}

// EncodeError is the taxonomy of failures Encode can return (spec §7).
type EncodeError struct {
	Kind string
	Info string
}

func (e *EncodeError) Error() string {
	if e.Info != "" {
		return fmt.Sprintf("etf: %s: %s", e.Kind, e.Info)
	}
	return "etf: " + e.Kind
}

// AtomTooLong builds the AtomTooLong encode error.
func AtomTooLong(n int) error {
	return errors.WithStack(&EncodeError{Kind: "AtomTooLong", Info: fmt.Sprintf("%d bytes", n)})
}

// TupleArityOverflow builds the TupleArityOverflow encode error.
func TupleArityOverflow(n int) error {
	return errors.WithStack(&EncodeError{Kind: "TupleArityOverflow", Info: fmt.Sprintf("%d elements", n)})
}

// MapKeyDuplicate builds the MapKeyDuplicate encode error, raised when a
// caller tries to construct a Map with two structurally equal keys.
func MapKeyDuplicate() error {
	return errors.WithStack(&EncodeError{Kind: "MapKeyDuplicate"})
}
