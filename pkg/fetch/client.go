// Package fetch is the network collaborator of the archiving engine. It
// speaks plain HTTP GET and classifies responses: 200 is success, 404 means
// the file is permanently gone from the server, anything else is a
// transient failure worth retrying.
package fetch

import (
	"fmt"
	"io"
	"net/http"
	"time"

	errs "threadvault/pkg/errors"
	"threadvault/pkg/logger"
)

// Client fetches image bytes over HTTP.
type Client struct {
	httpClient *http.Client
	userAgent  string
	logger     logger.Logger
}

// NewClient creates a fetch client. The timeout bounds a whole request
// including the body read; there is no other per-fetch deadline.
func NewClient(timeout time.Duration, userAgent string, log logger.Logger) *Client {
	if log == nil {
		log = logger.GetLogger()
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		userAgent: userAgent,
		logger:    log,
	}
}

// Get issues a GET for url and returns the response body on status 200.
// The caller owns the returned reader and must close it. Status 404 maps to
// a permanent-gone error, every other failure to a retryable one.
func (c *Client) Get(url string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, &errs.Error{
			Type:    errs.ErrorTypeUnknown,
			Message: fmt.Sprintf("failed to build request: %v", err),
		}
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.DebugWithFields("fetch failed", map[string]interface{}{
			"url":      url,
			"error":    err.Error(),
			"duration": time.Since(start),
		})
		return nil, 0, &errs.Error{
			Type:    errs.ErrorTypeNetwork,
			Message: fmt.Sprintf("network error: %v", err),
		}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Body, resp.ContentLength, nil
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, 0, &errs.Error{
			Type:    errs.ErrorTypeGone,
			Message: fmt.Sprintf("file is gone from the server: %s", url),
			Code:    resp.StatusCode,
		}
	default:
		resp.Body.Close()
		return nil, 0, &errs.Error{
			Type:    errs.ErrorTypeServerError,
			Message: fmt.Sprintf("bad status code for %s", url),
			Code:    resp.StatusCode,
		}
	}
}
