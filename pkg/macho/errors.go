package macho

import (
	"errors"
	"fmt"
)

var (
	// ErrParse is wrapped by every error caused by a malformed or truncated image.
	ErrParse = errors.New("malformed Mach-O image")
	// ErrCapacity is wrapped when a load command does not fit the space available.
	ErrCapacity = errors.New("insufficient load command space")
)

// ParseError reports a structural problem at a byte offset of the input.
// Err is the decoder error behind it, if any.
type ParseError struct {
	Offset int
	Msg    string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed Mach-O at offset %#x: %s: %v", e.Offset, e.Msg, e.Err)
	}
	return fmt.Sprintf("malformed Mach-O at offset %#x: %s", e.Offset, e.Msg)
}

func (e *ParseError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrParse, e.Err}
	}
	return []error{ErrParse}
}

// CapacityError reports how many bytes an edit needed and how many were free.
type CapacityError struct {
	Path string
	Need int
	Have int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("no room for load command %q: need %d bytes, have %d", e.Path, e.Need, e.Have)
}

func (e *CapacityError) Unwrap() error { return ErrCapacity }

func parseErr(off int, cause error, format string, args ...interface{}) error {
	return &ParseError{Offset: off, Msg: fmt.Sprintf(format, args...), Err: cause}
}
