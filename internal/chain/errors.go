package chain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

var (
	ErrReverted       = errors.New("transaction reverted")
	ErrMissingKey     = errors.New("private key is required")
	ErrMissingRPCURL  = errors.New("rpc url is required")
	ErrUnexpectedCall = errors.New("unexpected contract call result")
)

// Error is the single error shape chain failures take before they reach
// business logic. RPC nodes report failures as plain messages, JSON-RPC error
// codes or attached data; all of them collapse into Message.
type Error struct {
	Op      string
	Code    int
	Message string
	TxHash  string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Code != 0 {
		fmt.Fprintf(&b, " (code %d)", e.Code)
	}
	if e.TxHash != "" {
		b.WriteString(" tx=")
		b.WriteString(e.TxHash)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Normalize converts any error returned by the RPC stack into *Error.
func Normalize(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		out := *existing
		if out.Op == "" {
			out.Op = op
		}
		return &out
	}

	out := &Error{Op: op, Message: strings.TrimSpace(err.Error()), Err: err}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		out.Code = rpcErr.ErrorCode()
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if msg := dataMessage(dataErr.ErrorData()); msg != "" && out.Message == "" {
			out.Message = msg
		}
	}
	if out.Message == "" {
		out.Message = "unknown chain error"
	}
	return out
}

func dataMessage(data interface{}) string {
	switch v := data.(type) {
	case string:
		return v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			return msg
		}
		if reason, ok := v["reason"].(string); ok {
			return reason
		}
	}
	return ""
}

// IsInsufficientFunds reports the transient failure seen right after an
// account was funded: the relay has not caught up with consensus yet.
func IsInsufficientFunds(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "insufficient funds")
}
