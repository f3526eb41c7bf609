// Package fault carries transport-neutral error details that adapters can map
// to HTTP or other protocols.
package fault

import (
	"errors"
	"fmt"
)

// Failure captures a stable error code plus diagnostic context.
type Failure struct {
	Code       string
	Detail     string
	TxnID      string
	RetryAfter int64 // seconds
	HTTPStatus int   // optional hint for HTTP adapters
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}

// As extracts a Failure from err when one is present in its chain.
func As(err error) (Failure, bool) {
	var f Failure
	if errors.As(err, &f) {
		return f, true
	}
	return Failure{}, false
}

// Is reports whether err resolves to a Failure with the supplied code.
func Is(err error, code string) bool {
	f, ok := As(err)
	return ok && f.Code == code
}
