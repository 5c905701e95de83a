package rpc

import (
	"context"
	"errors"

	"github.com/deepcode-reasoning/reasoning-server/internal/errs"
)

// classify maps an error returned from Dispatch to a JSON-RPC error
// code and a message carrying the stable category prefix clients route
// on. Categories outside the three numbered codes are all reported as
// -32603 with their own prefix in the message text, so clients can
// route behavior without parsing free text.
func classify(err error) *Error {
	if e, ok := errs.As(err); ok {
		switch e.Category {
		case errs.CategoryMethodNotFound:
			return &Error{Code: ErrCodeMethodNotFound, Message: e.Error()}
		case errs.CategoryInvalidArguments:
			return &Error{Code: ErrCodeInvalidParams, Message: e.Error()}
		default:
			return &Error{Code: ErrCodeInternalError, Message: e.Error()}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Code: ErrCodeInternalError, Message: "timeout: " + err.Error()}
	}
	return &Error{Code: ErrCodeInternalError, Message: "internal: " + err.Error()}
}
