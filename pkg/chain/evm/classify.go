package evm

import (
	"context"
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/rpc"

	"callgate/internal/callerr"
)

// JSON-RPC error codes with a fixed classification. Every other code is
// treated as a transient server-side failure.
const (
	codeExecutionReverted = 3
	codeParseError        = -32700
	codeInvalidRequest    = -32600
	codeInvalidParams     = -32602
	codeLimitExceeded     = -32005
)

// Classify tags a transport error with its callerr.Kind. Errors that already
// carry a tag are returned unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var tagged *callerr.Error
	if errors.As(err, &tagged) {
		return err
	}
	return callerr.New(kindOf(err), op, err)
}

// kindOf inspects go-ethereum's typed errors. It never looks at message text.
func kindOf(err error) callerr.Kind {
	if errors.Is(err, context.Canceled) {
		return callerr.Aborted
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return callerr.TransientNetwork
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpStatusKind(httpErr.StatusCode)
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case codeLimitExceeded:
			return callerr.RateLimited
		case codeExecutionReverted, codeParseError, codeInvalidRequest, codeInvalidParams:
			return callerr.Fatal
		}
	}

	// Revert payloads are attached as error data regardless of the code a
	// node chooses to report.
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) && dataErr.ErrorData() != nil {
		return callerr.Fatal
	}

	return callerr.TransientNetwork
}

func httpStatusKind(status int) callerr.Kind {
	switch status {
	case http.StatusTooManyRequests:
		return callerr.RateLimited
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return callerr.Fatal
	default:
		return callerr.TransientNetwork
	}
}
