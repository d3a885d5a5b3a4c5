package ilppacket

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Error is a protocol-level failure carrying an ILP error code. Unlike a
// wrapped internal error (see github.com/go-errors/errors usage
// elsewhere in this codebase), an *Error is expected to reach the wire:
// the error-handler middleware turns it directly into a Reject, and turns
// anything else into CodeF00InternalError first.
//
// TriggeredBy identifies the connector that first materialized this error
// as a REJECT. It is empty for an *Error still being constructed at its
// origin hop; the translation into a wire Reject (see the connector
// package) stamps it with the local node's own address. A middleware or
// Switch that receives an *Error already carrying a TriggeredBy (decoded
// from a downstream peer's Reject) must leave it unchanged when
// propagating it further upstream.
type Error struct {
	Code        ErrorCode
	Message     string
	Data        []byte
	TriggeredBy Address
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError constructs a protocol-level *Error with the given code and
// message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// ErrInsufficientLiquidity is returned by BalanceTracker when a bound
// would be violated.
func ErrInsufficientLiquidity(message string) *Error {
	return NewError(CodeT04InsufficientLiquidity, message)
}

// NewAmountTooLargeError builds the F08 error the max-packet-amount
// middleware rejects with, encoding received and maximum as a 16-byte
// Data payload: two 8-byte big-endian unsigned amounts, received first.
func NewAmountTooLargeError(received, maximum uint64) *Error {
	data := make([]byte, 16)
	binary.BigEndian.PutUint64(data[0:8], received)
	binary.BigEndian.PutUint64(data[8:16], maximum)
	return &Error{
		Code:    CodeF08AmountTooLarge,
		Message: "packet amount exceeds configured maximum",
		Data:    data,
	}
}

// AsError reports whether err is (or wraps) an *Error, and returns it.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
