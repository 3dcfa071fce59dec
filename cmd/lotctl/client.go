package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

// APIError is a non-2xx answer from the gateway.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("%s (%s): %s", e.Code, e.Kind, e.Message)
}

// Client talks to the HTTP gateway.
type Client struct {
	http   *resty.Client
	caller string
}

func NewClient(baseURL, caller string, timeout time.Duration) *Client {
	c := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(3).
		SetRetryWaitTime(250 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() == http.StatusTooManyRequests
		})
	return &Client{http: c, caller: caller}
}

// Get fetches path into out.
func (c *Client) Get(ctx context.Context, path string, params map[string]string, out any) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(out).
		Get(path)
	return check(resp, err)
}

// Call invokes an API method. A request id is generated when none is given,
// so retries of this call are deduplicated by the service.
func (c *Client) Call(ctx context.Context, method, requestID string, body, out any) error {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	if body == nil {
		body = map[string]any{}
	}
	req := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Request-Id", requestID).
		SetBody(body)
	if c.caller != "" {
		req.SetHeader("X-Caller", c.caller)
	}
	if out != nil {
		req.SetResult(out)
	}
	return check(req.Post("/v1/rpc/" + method))
}

func check(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if resp.IsSuccess() {
		return nil
	}
	apiErr := &APIError{Status: resp.StatusCode()}
	if jerr := json.Unmarshal(resp.Body(), apiErr); jerr != nil || apiErr.Code == "" {
		apiErr.Message = strings.TrimSpace(string(resp.Body()))
	}
	return apiErr
}
