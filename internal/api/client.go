package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/banshee-data/tiderelay/internal/dedup"
	"github.com/banshee-data/tiderelay/internal/httputil"
	"github.com/banshee-data/tiderelay/internal/readings"
	"github.com/banshee-data/tiderelay/internal/registry"
	"github.com/banshee-data/tiderelay/internal/sensor"
)

// Client calls a relay's JSON API.
type Client struct {
	base string
	http httputil.HTTPClient
}

// NewClient returns a Client for the relay at base, e.g.
// "http://relay.local:8080".
func NewClient(base string, c httputil.HTTPClient) *Client {
	if c == nil {
		c = httputil.NewStandardClient(nil)
	}
	return &Client{base: strings.TrimRight(base, "/"), http: c}
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return httputil.DoJSON(ctx, c.http, http.MethodGet, u, nil, out)
}

func (c *Client) Sensors(ctx context.Context) ([]registry.Sensor, error) {
	var out []registry.Sensor
	return out, c.get(ctx, "/api/sensors", nil, &out)
}

func (c *Client) Sequences(ctx context.Context, id sensor.Identity) ([]dedup.SequenceState, error) {
	var out []dedup.SequenceState
	return out, c.get(ctx, "/api/sequences", url.Values{"sensor": {id.String()}}, &out)
}

// Readings fetches the exported rows of one sequence.
func (c *Client) Readings(ctx context.Context, id sensor.Identity, seq uint16) ([]readings.Row, error) {
	var out []readings.Row
	q := url.Values{"sensor": {id.String()}, "seq": {fmt.Sprint(seq)}}
	return out, c.get(ctx, "/api/readings", q, &out)
}

// SetUpload switches the upload beacon and returns the previous state.
func (c *Client) SetUpload(ctx context.Context, active bool) (bool, error) {
	var out uploadState
	if err := httputil.DoJSON(ctx, c.http, http.MethodPost, c.base+"/api/upload", map[string]bool{"active": active}, &out); err != nil {
		return false, err
	}
	if out.Previous == nil {
		return false, fmt.Errorf("upload response missing previous state")
	}
	return *out.Previous, nil
}
