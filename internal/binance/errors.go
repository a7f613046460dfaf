package binance

import (
	"errors"
	"fmt"
	"net"
)

// APIError is a Binance error payload: {"code":-1021,"msg":"..."}
type APIError struct {
	Code       int    `json:"code"`
	Message    string `json:"msg"`
	HTTPStatus int    `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance: code=%d status=%d %s", e.Code, e.HTTPStatus, e.Message)
}

// Transient exchange error codes the caller may retry. Everything else is a
// terminal rejection.
const (
	codeDisconnected    = -1001
	codeTooManyRequests = -1003
	codeTimeout         = -1007
	codeTooManyOrders   = -1015
	codeServiceShutdown = -1016
	codeTimestampSkew   = -1021
	codeDuplicateCOID   = -4116
)

// IsTransient reports whether err is worth retrying: network failures,
// rate limits, timestamp skew, and duplicate-clientOrderId races.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.HTTPStatus == 429 || apiErr.HTTPStatus >= 500 {
		return true
	}
	switch apiErr.Code {
	case codeDisconnected, codeTooManyRequests, codeTimeout,
		codeTooManyOrders, codeServiceShutdown, codeTimestampSkew,
		codeDuplicateCOID:
		return true
	}
	return false
}
