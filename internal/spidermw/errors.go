package spidermw

import (
	"errors"
	"fmt"

	"github.com/JakeFAU/spider-pipeline/internal/crawler"
)

// Chain construction and executor errors.
var (
	ErrNilMiddleware       = errors.New("middleware is nil")
	ErrNotComparable       = errors.New("middleware type is not comparable")
	ErrDuplicateMiddleware = errors.New("middleware registered more than once")
	ErrDuplicateName       = errors.New("middleware name registered more than once")
	ErrNoHooks             = errors.New("middleware implements no hooks")
	ErrUnknownMiddleware   = errors.New("unknown middleware")
	ErrNilChain            = errors.New("chain is required")
	ErrNilSink             = errors.New("output sink is required")
	ErrNilResponse         = errors.New("response is required")
	ErrNilRequest          = errors.New("request is required")
)

// Stage names where a fault was raised.
type Stage string

// Fault stages.
const (
	StageInput     Stage = "input"
	StageCallback  Stage = "callback"
	StageOutput    Stage = "output"
	StageException Stage = "exception"
	StageErrback   Stage = "errback"
	StageDownload  Stage = "download"
)

// PanicError is the fault recorded when a hook, callback or producer panics.
type PanicError = crawler.PanicError

// Fault is an error raised while processing a response, tagged with where it
// happened. Middleware is empty for callback, errback and download faults.
type Fault struct {
	Stage      Stage
	Middleware string
	Err        error
}

func (f *Fault) Error() string {
	if f.Middleware == "" {
		return fmt.Sprintf("%s fault: %v", f.Stage, f.Err)
	}
	return fmt.Sprintf("%s fault in %s: %v", f.Stage, f.Middleware, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}
