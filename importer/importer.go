// Package importer defines the boundary between the C-STORE handler and the
// pipeline that processes received objects.
package importer

import (
	"context"
	"fmt"
	"io"

	"github.com/caio-sobreiro/dicomscp/strategy"
)

// Params describes one received object.
type Params struct {
	TransferID string
	// Sender is "<calling AE>@<remote address>".
	Sender            string
	TransferSyntaxUID string
	SOPClassUID       string
	SOPInstanceUID    string
	CallingAETitle    string
	CalledAETitle     string
	Port              int

	CustomProcessing     bool
	DirectArchive        bool
	Anonymize            bool
	PreventAnonymization bool

	Identifier strategy.Identifier
	// FileNamer may be nil.
	FileNamer strategy.FileNamer
}

// Result reports where an object was stored.
type Result struct {
	Key     string
	Session strategy.Session
}

// Importer processes the data set read from r. It returns a *ClientError
// for bad input and a *ServerError for backend failures; any other error
// is treated as unexpected.
type Importer interface {
	Import(ctx context.Context, r io.Reader, user string, p Params) (Result, error)
}

// Func adapts a function to Importer.
type Func func(ctx context.Context, r io.Reader, user string, p Params) (Result, error)

func (f Func) Import(ctx context.Context, r io.Reader, user string, p Params) (Result, error) {
	return f(ctx, r, user, p)
}

// ClientError reports a problem with the received object.
type ClientError struct {
	Msg string
	Err error
}

func (e *ClientError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *ClientError) Unwrap() error { return e.Err }

// ServerError reports a failure of the pipeline or its backends.
type ServerError struct {
	Msg string
	Err error
}

func (e *ServerError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *ServerError) Unwrap() error { return e.Err }

// ClientErrorf formats a ClientError.
func ClientErrorf(format string, args ...any) *ClientError {
	return &ClientError{Msg: fmt.Sprintf(format, args...)}
}

// ServerErrorf formats a ServerError.
func ServerErrorf(format string, args ...any) *ServerError {
	return &ServerError{Msg: fmt.Sprintf(format, args...)}
}

// Discard reads the data set to the end and stores nothing.
var Discard Importer = Func(func(_ context.Context, r io.Reader, _ string, _ Params) (Result, error) {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return Result{}, &ServerError{Msg: "failed to read data set", Err: err}
	}
	return Result{}, nil
})
