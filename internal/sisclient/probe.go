package sisclient

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Probe issues the lightweight unauthenticated HEAD the Clock Calibrator
// polls repeatedly to watch the server's Date header roll over a second
// boundary (spec.md §4.1 step 1-2). It returns the send/receive instants and
// the raw Date header value, leaving parsing to the calibrator.
func (c *Client) Probe(ctx context.Context) (sentAt, recvAt time.Time, dateHeader string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL, nil)
	if err != nil {
		return time.Time{}, time.Time{}, "", fmt.Errorf("build probe request: %w", err)
	}
	sentAt = time.Now()
	resp, doErr := c.httpClient.Do(req)
	recvAt = time.Now()
	if doErr != nil {
		return sentAt, recvAt, "", fmt.Errorf("probe request: %w", doErr)
	}
	defer resp.Body.Close()

	return sentAt, recvAt, resp.Header.Get("Date"), nil
}
