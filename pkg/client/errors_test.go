package client

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestAPIError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *APIError
		expected string
	}{
		{
			name:     "invalid query",
			err:      &APIError{Kind: KindInvalidQuery, StatusCode: 500, Reason: "Internal Server Error"},
			expected: "reporting API invalid_query (status 500): Internal Server Error",
		},
		{
			name:     "malformed response with cause",
			err:      &APIError{Kind: KindMalformedResponse, Err: errors.New("missing totalResults")},
			expected: "reporting API malformed_response: missing totalResults",
		},
		{
			name:     "transport without cause",
			err:      &APIError{Kind: KindTransport},
			expected: "reporting API transport",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestAPIError_Is(t *testing.T) {
	sentinels := map[ErrorKind]error{
		KindInvalidQuery:      ErrInvalidQuery,
		KindMalformedResponse: ErrMalformedResponse,
		KindTransport:         ErrTransport,
	}

	for kind := range sentinels {
		t.Run(string(kind), func(t *testing.T) {
			err := fmt.Errorf("run: %w", &APIError{Kind: kind})
			for other, sentinel := range sentinels {
				if got := errors.Is(err, sentinel); got != (other == kind) {
					t.Errorf("errors.Is(%s, %v) = %v", kind, sentinel, got)
				}
			}
		})
	}
}

func TestAPIError_Unwrap(t *testing.T) {
	err := &APIError{Kind: KindTransport, Err: fmt.Errorf("quota sleep: %w", context.Canceled)}

	if !errors.Is(err, context.Canceled) {
		t.Error("errors.Is should reach the wrapped cause")
	}

	var apiErr *APIError
	if !errors.As(fmt.Errorf("outer: %w", err), &apiErr) {
		t.Fatal("errors.As should find the *APIError")
	}
	if apiErr.Kind != KindTransport {
		t.Errorf("Kind = %s, want transport", apiErr.Kind)
	}
}
