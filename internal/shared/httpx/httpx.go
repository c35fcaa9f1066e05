// Package httpx issues JSON requests through fiber's client agent.
package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
)

const defaultTimeout = 10 * time.Second

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method  string
	URL     string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Code, e.Message)
}

// Request describes one JSON call. Body is marshalled when non-nil.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    any
	Timeout time.Duration
}

// Do sends req and decodes a JSON response into out (when out is non-nil).
// The request timeout is the earlier of req.Timeout and the ctx deadline.
func Do(ctx context.Context, req Request, out any) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	agent := fiber.AcquireAgent()
	r := agent.Request()
	r.Header.SetMethod(req.Method)
	r.SetRequestURI(req.URL)
	for k, v := range req.Headers {
		agent.Set(k, v)
	}
	if req.Body != nil {
		agent.JSON(req.Body)
	}
	agent.Timeout(timeoutFor(ctx, req.Timeout))

	if err := agent.Parse(); err != nil {
		fiber.ReleaseAgent(agent)
		return 0, fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	}

	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return code, fmt.Errorf("%s %s: %w", req.Method, req.URL, errors.Join(errs...))
	}
	if code < 200 || code > 299 {
		return code, &StatusError{Method: req.Method, URL: req.URL, Code: code, Message: strings.TrimSpace(string(body))}
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return code, fmt.Errorf("%s %s: decode: %w", req.Method, req.URL, err)
		}
	}
	return code, nil
}

func timeoutFor(ctx context.Context, requested time.Duration) time.Duration {
	timeout := requested
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if timeout < time.Millisecond {
		timeout = time.Millisecond
	}
	return timeout
}
