package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// DefaultNominatimURL is the public OpenStreetMap Nominatim endpoint.
const DefaultNominatimURL = "https://nominatim.openstreetmap.org"

const userAgent = "NYECountdown/1.0 (party app)"

// Address is the subset of a Nominatim address breakdown we care about.
type Address struct {
	City         string `json:"city"`
	Town         string `json:"town"`
	Village      string `json:"village"`
	Municipality string `json:"municipality"`
	State        string `json:"state"`
	Country      string `json:"country"`
}

// Place returns the most specific populated place name, falling back from
// city to town, village, municipality and state.
func (a Address) Place() string {
	for _, name := range []string{a.City, a.Town, a.Village, a.Municipality, a.State} {
		if name != "" {
			return name
		}
	}
	return "Unknown"
}

type reverseResponse struct {
	Address *Address `json:"address"`
}

// NominatimClient performs reverse geocoding against a Nominatim server.
type NominatimClient struct {
	baseURL string
	client  *http.Client
	headers map[string]string
}

func NewNominatimClient(baseURL string) *NominatimClient {
	return &NominatimClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		headers: map[string]string{
			"User-Agent": userAgent,
			"Accept":     "application/json",
		},
	}
}

func (c *NominatimClient) SetHeader(key, value string) {
	c.headers[key] = value
}

func (c *NominatimClient) SetTimeout(timeout time.Duration) {
	c.client.Timeout = timeout
}

// Reverse resolves a coordinate to a city-level address.
func (c *NominatimClient) Reverse(ctx context.Context, lat, lon float64) (*Address, error) {
	query := url.Values{}
	query.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	query.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	query.Set("format", "json")
	query.Set("zoom", "10")
	query.Set("addressdetails", "1")

	body, err := c.get(ctx, "/reverse", query)
	if err != nil {
		return nil, err
	}

	var resp reverseResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode reverse response: %w", err)
	}
	if resp.Address == nil {
		return &Address{}, nil
	}
	return resp.Address, nil
}

func (c *NominatimClient) get(ctx context.Context, endpoint string, query url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		responseBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("API returned status code: %d, response: %s", resp.StatusCode, string(responseBody))
	}

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return responseBody, nil
}
