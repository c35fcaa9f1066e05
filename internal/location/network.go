package location

import (
	"context"
	"fmt"
	"time"

	"fleet-triptracker/internal/shared/httpx"

	"github.com/gofiber/fiber/v2"
)

type WiFiAccessPoint struct {
	MACAddress     string `json:"macAddress"`
	SignalStrength int    `json:"signalStrength"`
}

type CellTower struct {
	CellID            int    `json:"cellId"`
	LocationAreaCode  int    `json:"locationAreaCode"`
	MobileCountryCode int    `json:"mobileCountryCode"`
	MobileNetworkCode int    `json:"mobileNetworkCode"`
	SignalStrength    int    `json:"signalStrength"`
	RadioType         string `json:"radioType,omitempty"`
}

// Signals is one scan of the radio environment.
type Signals struct {
	WiFi  []WiFiAccessPoint `json:"wifi"`
	Cells []CellTower       `json:"cells"`
	At    time.Time         `json:"at"`
}

func (s Signals) empty() bool {
	return len(s.WiFi) == 0 && len(s.Cells) == 0
}

// SignalSource provides the latest radio scan.
type SignalSource interface {
	Signals(ctx context.Context) (Signals, error)
}

// HTTPLocator resolves scans through a geolocation service that accepts
// wifiAccessPoints/cellTowers and answers {location:{lat,lng},accuracy}.
type HTTPLocator struct {
	url     string
	signals SignalSource
	timeout time.Duration
	now     func() time.Time
}

func NewHTTPLocator(url string, signals SignalSource, timeout time.Duration) *HTTPLocator {
	return &HTTPLocator{url: url, signals: signals, timeout: timeout, now: time.Now}
}

type geolocateRequest struct {
	ConsiderIP       bool              `json:"considerIp"`
	WiFiAccessPoints []WiFiAccessPoint `json:"wifiAccessPoints,omitempty"`
	CellTowers       []CellTower       `json:"cellTowers,omitempty"`
}

type geolocateResponse struct {
	Location struct {
		Lat float64 `json:"lat"`
		Lng float64 `json:"lng"`
	} `json:"location"`
	Accuracy float64 `json:"accuracy"`
}

func (l *HTTPLocator) Locate(ctx context.Context) (Fix, error) {
	scan, err := l.signals.Signals(ctx)
	if err != nil {
		return Fix{}, err
	}
	if scan.empty() {
		return Fix{}, fmt.Errorf("%w: no radio signals", ErrPositionUnavailable)
	}

	var resp geolocateResponse
	_, err = httpx.Do(ctx, httpx.Request{
		Method:  fiber.MethodPost,
		URL:     l.url,
		Body:    geolocateRequest{WiFiAccessPoints: scan.WiFi, CellTowers: scan.Cells},
		Timeout: l.timeout,
	}, &resp)
	if err != nil {
		return Fix{}, err
	}
	return Fix{
		Latitude:       resp.Location.Lat,
		Longitude:      resp.Location.Lng,
		AccuracyMeters: resp.Accuracy,
		At:             l.now(),
	}, nil
}
