package engine

import (
	"context"
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindTransient
	KindSession
	KindBusiness
	KindAmbiguous
	KindDeadline
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindSession:
		return "session"
	case KindBusiness:
		return "business"
	case KindAmbiguous:
		return "ambiguous"
	case KindDeadline:
		return "deadline"
	}
	return "unknown"
}

// Error carries the failure kind that decides how the run reacts.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func TransientError(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

func SessionError(op, msg string) *Error {
	return &Error{Kind: KindSession, Op: op, Msg: msg}
}

func BusinessError(op, msg string) *Error {
	return &Error{Kind: KindBusiness, Op: op, Msg: msg}
}

var ErrAlreadyRunning = errors.New("engine: run already in progress")

var errDeadline = &Error{Kind: KindDeadline, Msg: "run deadline reached"}

// KindOf classifies err. Untyped errors count as transient; an outage looks
// the same as a dropped connection from here.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
