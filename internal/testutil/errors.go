package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

const (
	ErrorCodeInvalidRequest    = "INVALID_REQUEST"
	ErrorCodeUnauthorized      = "UNAUTHORIZED"
	ErrorCodeForbidden         = "FORBIDDEN"
	ErrorCodeRateLimited       = "RATE_LIMITED"
	ErrorCodeInsufficientFunds = "INSUFFICIENT_FUNDS"
	ErrorCodeNotFound          = "NOT_FOUND"
	ErrorCodeInvalidState      = "INVALID_STATE"
	ErrorCodeInvalidTarget     = "INVALID_TARGET"
	ErrorCodeConflict          = "CONFLICT"
	ErrorCodeInternalError     = "INTERNAL_ERROR"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func AssertErrorCode(t *testing.T, resp *httptest.ResponseRecorder, expectedCode string) {
	t.Helper()
	if resp.Code != getHTTPStatusForErrorCode(expectedCode) {
		t.Fatalf("expected status %d, got %d", getHTTPStatusForErrorCode(expectedCode), resp.Code)
	}

	var errResp errorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}

	if errResp.Code != expectedCode {
		t.Fatalf("expected error code %q, got %q", expectedCode, errResp.Code)
	}
}

func AssertHTTPStatus(t *testing.T, resp *httptest.ResponseRecorder, expectedStatus int) {
	t.Helper()
	if resp.Code != expectedStatus {
		t.Fatalf("expected status %d, got %d", expectedStatus, resp.Code)
	}
}

func getHTTPStatusForErrorCode(code string) int {
	switch code {
	case ErrorCodeInvalidRequest, ErrorCodeInsufficientFunds, ErrorCodeInvalidTarget:
		return http.StatusBadRequest
	case ErrorCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrorCodeForbidden:
		return http.StatusForbidden
	case ErrorCodeNotFound:
		return http.StatusNotFound
	case ErrorCodeInvalidState, ErrorCodeConflict:
		return http.StatusConflict
	case ErrorCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrorCodeInternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
