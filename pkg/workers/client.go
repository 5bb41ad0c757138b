package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

var ErrHTTPStatus = errors.New("unexpected HTTP status")

// HTTPError carries a non-success response.
type HTTPError struct {
	StatusCode int
	Body       any
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %d: %v", ErrHTTPStatus.Error(), e.StatusCode, e.Body)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrHTTPStatus
}

// DoJSON sends body as JSON and decodes the response body as JSON, falling
// back to the raw text.
func DoJSON(ctx context.Context, client *http.Client, method, url string, headers map[string]string, body any) (int, any, error) {
	var reader io.Reader = http.NoBody

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request body: %w", err)
		}

		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create http request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	req.Header.Set("Accept", "application/json")

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("http request failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return resp.StatusCode, nil, nil
	}

	var decoded any

	err = json.Unmarshal(data, &decoded)
	if err != nil {
		return resp.StatusCode, string(data), nil
	}

	return resp.StatusCode, decoded, nil
}
