package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"bitbucket.org/gracesoft/congregate_backend/checkin"
)

// TransportError covers no-response failures: connection refused, DNS,
// timeout. The server may or may not have committed; the batch must be
// retried with the same idempotency key.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "transport: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// RequestError is a non-2xx response that applies to the batch as a whole.
type RequestError struct {
	StatusCode int
	Code       checkin.ErrorCode
	Message    string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("bulk request failed (%d %s): %s", e.StatusCode, e.Code, e.Message)
}

func (e *RequestError) Retryable() bool {
	return e.Code.Retryable()
}

// Client submits bulk batches to the sync endpoint.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// SubmitBulk posts one batch. A nil error means the server produced per-item
// verdicts; everything else is a batch-level outcome the dispatcher maps to
// retry or terminal failure.
func (c *Client) SubmitBulk(ctx context.Context, req checkin.BulkRequest, idempotencyKey string) (*checkin.BatchResult, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/checkins/bulk", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)
	httpReq.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var result checkin.BatchResult
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, &TransportError{Err: fmt.Errorf("malformed response: %w", err)}
		}
		return &result, nil
	}

	return nil, &RequestError{
		StatusCode: resp.StatusCode,
		Code:       codeForStatus(resp.StatusCode, body),
		Message:    strings.TrimSpace(string(body)),
	}
}

func codeForStatus(status int, body []byte) checkin.ErrorCode {
	// The server includes a code field on structured errors; trust it first.
	var parsed struct {
		Code checkin.ErrorCode `json:"code"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Code != "" {
		return parsed.Code
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return checkin.ErrCodeAuthorization
	case status == http.StatusConflict:
		return checkin.ErrCodeIdempotencyKeyReuse
	case status >= 500:
		return checkin.ErrCodeTransient
	default:
		return checkin.ErrCodeValidation
	}
}
