package gpshttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/BearBump/GeoSync/internal/integrations/position"
	"github.com/BearBump/GeoSync/internal/models"
	"github.com/pkg/errors"
)

// Client asks a local GPS daemon for the current fix over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

func New(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:2948"
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpc:   &http.Client{},
	}
}

type fixResp struct {
	Lat      *float64  `json:"lat"`
	Lon      *float64  `json:"lon"`
	Accuracy float64   `json:"accuracy"`
	Time     time.Time `json:"time"`
	Mode     int       `json:"mode"` // 0/1 нет фикса, 2 = 2D, 3 = 3D
}

func (c *Client) RequestFix(ctx context.Context, accuracy position.Accuracy, timeout time.Duration) (models.PositionFix, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return models.PositionFix{}, errors.Wrap(err, "parse base url")
	}
	u.Path = "/v1/fix"
	q := u.Query()
	q.Set("accuracy", string(accuracy))
	if c.apiKey != "" {
		q.Set("apiKey", c.apiKey)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return models.PositionFix{}, errors.Wrap(err, "new request")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return models.PositionFix{}, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusServiceUnavailable {
		return models.PositionFix{}, position.ErrNoFix
	}
	if resp.StatusCode/100 != 2 {
		return models.PositionFix{}, fmt.Errorf("gps daemon http %d", resp.StatusCode)
	}

	var fr fixResp
	if err := json.NewDecoder(resp.Body).Decode(&fr); err != nil {
		return models.PositionFix{}, errors.Wrap(err, "decode")
	}
	if fr.Lat == nil || fr.Lon == nil || fr.Mode == 1 {
		return models.PositionFix{}, position.ErrNoFix
	}

	at := fr.Time
	if at.IsZero() {
		at = time.Now()
	}
	return models.PositionFix{
		Latitude:   *fr.Lat,
		Longitude:  *fr.Lon,
		Accuracy:   fr.Accuracy,
		CapturedAt: at.UTC(),
	}, nil
}
