package stripeclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"testing"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "request timed out" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureClass
	}{
		{
			name: "429 is retryable",
			err:  &APIError{StatusCode: http.StatusTooManyRequests},
			want: FailureRetryable,
		},
		{
			name: "500 is retryable",
			err:  &APIError{StatusCode: http.StatusInternalServerError},
			want: FailureRetryable,
		},
		{
			name: "503 is retryable",
			err:  &APIError{StatusCode: http.StatusServiceUnavailable},
			want: FailureRetryable,
		},
		{
			name: "402 card declined is rejected",
			err:  &APIError{StatusCode: http.StatusPaymentRequired, Code: "card_declined"},
			want: FailureRejected,
		},
		{
			name: "400 bad request is rejected",
			err:  &APIError{StatusCode: http.StatusBadRequest},
			want: FailureRejected,
		},
		{
			name: "wrapped api error still classifies",
			err:  fmt.Errorf("create transfer: %w", &APIError{StatusCode: http.StatusBadRequest}),
			want: FailureRejected,
		},
		{
			name: "connection refused never left the client",
			err:  &url.Error{Op: "Post", URL: "https://processor.example", Err: errors.New("connection refused")},
			want: FailureRetryable,
		},
		{
			name: "request timeout may have been applied",
			err:  &url.Error{Op: "Post", URL: "https://processor.example", Err: timeoutErr{}},
			want: FailureUnknown,
		},
		{
			name: "context deadline is unknown",
			err:  context.DeadlineExceeded,
			want: FailureUnknown,
		},
		{
			name: "ambiguous body is unknown",
			err:  fmt.Errorf("%w: status 502 with undecodable error body", errAmbiguous),
			want: FailureUnknown,
		},
		{
			name: "unrecognized error is unknown",
			err:  errors.New("something else entirely"),
			want: FailureUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Fatalf("expected class %d, got %d", tt.want, got)
			}
		})
	}
}

func TestAPIErrorMessage(t *testing.T) {
	err := &APIError{StatusCode: 402, Code: "card_declined", Message: "Your card was declined."}
	want := "processor api error (status 402): card_declined - Your card was declined."
	if err.Error() != want {
		t.Fatalf("expected %q, got %q", want, err.Error())
	}
}
