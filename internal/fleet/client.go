// Package fleet is the thin JSON client for the fleet backend's trip and
// location endpoints.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"fleet-triptracker/internal/outbox"
	"fleet-triptracker/internal/shared/httpx"
)

// ErrRemote wraps every failed backend call. The underlying
// *httpx.StatusError stays reachable with errors.As.
var ErrRemote = errors.New("fleet backend request failed")

// TokenSource yields the bearer token sent with every call.
type TokenSource interface {
	Token() (string, error)
}

type Client struct {
	baseURL string
	tokens  TokenSource
	timeout time.Duration
}

func NewClient(baseURL string, tokens TokenSource, timeout time.Duration) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), tokens: tokens, timeout: timeout}
}

func (c *Client) StartTrip(ctx context.Context, lat, lng float64) (StartResult, error) {
	var out StartResult
	err := c.call(ctx, "start trip", http.MethodPost, "/api/trips/start", tripRequest{Latitude: lat, Longitude: lng}, &out)
	if err == nil && out.TripID == "" {
		err = fmt.Errorf("%w: start trip: response without tripId", ErrRemote)
	}
	return out, err
}

func (c *Client) EndTrip(ctx context.Context, lat, lng float64) (EndResult, error) {
	var out EndResult
	err := c.call(ctx, "end trip", http.MethodPost, "/api/trips/end", tripRequest{Latitude: lat, Longitude: lng}, &out)
	return out, err
}

func (c *Client) AutoDetectTrip(ctx context.Context, req AutoDetectRequest) (AutoDetectResult, error) {
	var out AutoDetectResult
	err := c.call(ctx, "auto-detect trip", http.MethodPost, "/api/trips/auto-detect", req, &out)
	return out, err
}

func (c *Client) AutoCompleteTrip(ctx context.Context, lat, lng float64, reason string) (EndResult, error) {
	var out EndResult
	err := c.call(ctx, "auto-complete trip", http.MethodPost, "/api/trips/auto-complete",
		tripRequest{Latitude: lat, Longitude: lng, Reason: reason}, &out)
	return out, err
}

// ActiveTrip returns nil when the device has no open trip.
func (c *Client) ActiveTrip(ctx context.Context) (*ActiveTrip, error) {
	var out activeTripResponse
	if err := c.call(ctx, "active trip", http.MethodGet, "/api/trips/active", nil, &out); err != nil {
		return nil, err
	}
	if out.Trip == nil || out.Trip.TripID == "" {
		return nil, nil
	}
	return out.Trip, nil
}

func (c *Client) UpdateLocation(ctx context.Context, u outbox.Update) error {
	return c.call(ctx, "update location", http.MethodPost, "/api/location", u, nil)
}

// Ping is the connectivity probe.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, "health", http.MethodGet, "/health", nil, nil)
}

func (c *Client) call(ctx context.Context, op, method, path string, body, out any) error {
	headers := map[string]string{"Accept": "application/json"}
	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			return fmt.Errorf("%s: device token: %w", op, err)
		}
		headers["Authorization"] = "Bearer " + token
	}
	_, err := httpx.Do(ctx, httpx.Request{
		Method:  method,
		URL:     c.baseURL + path,
		Headers: headers,
		Body:    body,
		Timeout: c.timeout,
	}, out)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrRemote, op, err)
	}
	return nil
}
