package asm

import (
	"errors"
	"fmt"
)

var (
	ErrSyntax          = errors.New("syntax error")
	ErrUnknownMnemonic = errors.New("unknown instruction")
	ErrOperands        = errors.New("bad operands")
	ErrUndefinedLabel  = errors.New("undefined label")
	ErrDuplicateLabel  = errors.New("duplicate label")
	ErrOutOfRange      = errors.New("target out of range")
	ErrDivideByZero    = errors.New("division by zero")
)

// Error attaches a source position to an assembly error.
type Error struct {
	Pos Pos
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Pos, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func errorf(pos Pos, sentinel error, format string, args ...any) error {
	return &Error{Pos: pos, Err: fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))}
}
