package binance

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind classifies an API failure for the controller's error policy.
type ErrorKind int

const (
	KindNetwork ErrorKind = iota
	KindAuth
	KindReject
	KindRateLimit
	KindPrecision
	KindInsufficientMargin
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindReject:
		return "reject"
	case KindRateLimit:
		return "rate_limit"
	case KindPrecision:
		return "precision"
	case KindInsufficientMargin:
		return "insufficient_margin"
	default:
		return "network"
	}
}

// APIError is a non-2xx response from the venue with its decoded error body.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance API error: status=%d code=%d msg=%q", e.Status, e.Code, e.Message)
}

// Kind maps the venue error code onto the controller's error taxonomy.
func (e *APIError) Kind() ErrorKind {
	switch e.Code {
	case -1021: // timestamp outside recvWindow
		return KindAuth
	case -1022, -2014, -2015: // bad signature / bad API key / key permissions
		return KindAuth
	case -1003, -1015: // too many requests / too many orders
		return KindRateLimit
	case -1111, -4014, -1013: // precision / tick size / min notional
		return KindPrecision
	case -2019:
		return KindInsufficientMargin
	}
	switch {
	case e.Status == http.StatusTooManyRequests || e.Status == 418:
		return KindRateLimit
	case e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden:
		return KindAuth
	case e.Status >= 400 && e.Status < 500:
		return KindReject
	}
	return KindNetwork
}

// isClockSkew reports whether the error is the timestamp-out-of-window
// signal that warrants a single server-time resync and retry.
func (e *APIError) isClockSkew() bool {
	return e.Code == -1021 || strings.Contains(e.Message, "outside of the recvWindow")
}

// IsRateLimited reports whether err is a venue rate-limit response.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind() == KindRateLimit
}

// parseAPIError decodes a Binance error body; unparseable bodies still
// yield an APIError carrying the raw text.
func parseAPIError(status int, body []byte) *APIError {
	var payload struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return &APIError{Status: status, Message: string(body)}
	}
	return &APIError{Status: status, Code: payload.Code, Message: payload.Msg}
}
