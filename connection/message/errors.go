package message

import "fmt"

type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unrecognized message type %q", e.Type)
}

func (e *UnknownTypeError) Unwrap() error { return nil }

type DecodeError struct {
	Type     Type
	InnerErr error
}

func (e *DecodeError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("malformed message: %s", e.InnerErr)
	}
	return fmt.Sprintf("malformed %s message: %s", e.Type, e.InnerErr)
}

func (e *DecodeError) Unwrap() error { return e.InnerErr }

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return nil }
