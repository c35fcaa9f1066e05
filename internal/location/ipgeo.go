package location

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"fleet-triptracker/internal/shared/httpx"

	"github.com/gofiber/fiber/v2"
)

type decodeFunc func(body []byte) (IPFix, error)

// HTTPProvider queries one IP geolocation endpoint.
type HTTPProvider struct {
	name    string
	url     string
	timeout time.Duration
	decode  decodeFunc
}

// NewHTTPProvider picks the response format from the endpoint host.
// ip-api.com has its own shape; anything else is read in the ipapi.co shape.
func NewHTTPProvider(endpoint string, timeout time.Duration) *HTTPProvider {
	name, decode := "ipapi", decodeIPAPICo
	if u, err := url.Parse(endpoint); err == nil {
		name = u.Host
		if strings.Contains(u.Host, "ip-api.com") {
			decode = decodeIPAPICom
		}
	}
	return &HTTPProvider{name: name, url: endpoint, timeout: timeout, decode: decode}
}

// ProvidersFromURLs keeps the configured order.
func ProvidersFromURLs(urls []string, timeout time.Duration) []IPProvider {
	providers := make([]IPProvider, 0, len(urls))
	for _, u := range urls {
		if strings.TrimSpace(u) == "" {
			continue
		}
		providers = append(providers, NewHTTPProvider(strings.TrimSpace(u), timeout))
	}
	return providers
}

func (p *HTTPProvider) Name() string { return p.name }

func (p *HTTPProvider) Lookup(ctx context.Context) (IPFix, error) {
	var raw json.RawMessage
	if _, err := httpx.Do(ctx, httpx.Request{Method: fiber.MethodGet, URL: p.url, Timeout: p.timeout}, &raw); err != nil {
		return IPFix{}, err
	}
	return p.decode(raw)
}

func decodeIPAPICo(body []byte) (IPFix, error) {
	var resp struct {
		Error     bool     `json:"error"`
		Reason    string   `json:"reason"`
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
		Postal    string   `json:"postal"`
		City      string   `json:"city"`
		Region    string   `json:"region"`
		Country   string   `json:"country_name"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return IPFix{}, err
	}
	if resp.Error {
		return IPFix{}, fmt.Errorf("ip lookup rejected: %s", resp.Reason)
	}
	if resp.Latitude == nil || resp.Longitude == nil {
		return IPFix{}, fmt.Errorf("ip lookup: missing coordinates")
	}
	return IPFix{
		Latitude:    *resp.Latitude,
		Longitude:   *resp.Longitude,
		Granularity: granularityOf(resp.Postal, resp.City, resp.Region),
	}, nil
}

func decodeIPAPICom(body []byte) (IPFix, error) {
	var resp struct {
		Status     string   `json:"status"`
		Message    string   `json:"message"`
		Lat        *float64 `json:"lat"`
		Lon        *float64 `json:"lon"`
		Zip        string   `json:"zip"`
		City       string   `json:"city"`
		RegionName string   `json:"regionName"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return IPFix{}, err
	}
	if resp.Status != "success" {
		return IPFix{}, fmt.Errorf("ip lookup rejected: %s", resp.Message)
	}
	if resp.Lat == nil || resp.Lon == nil {
		return IPFix{}, fmt.Errorf("ip lookup: missing coordinates")
	}
	return IPFix{
		Latitude:    *resp.Lat,
		Longitude:   *resp.Lon,
		Granularity: granularityOf(resp.Zip, resp.City, resp.RegionName),
	}, nil
}

// granularityOf returns the finest level the provider filled in.
func granularityOf(postal, city, region string) Granularity {
	switch {
	case postal != "":
		return GranularityPostal
	case city != "":
		return GranularityCity
	case region != "":
		return GranularityRegion
	default:
		return GranularityCountry
	}
}
