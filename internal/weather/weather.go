// Package weather provides the best-effort weather context lookup
// merged into synthesis (SPEC_FULL.md §4.E). The weather provider
// itself is an external collaborator (spec.md §2 "treated as external
// collaborators with specified interfaces only"); this package only
// defines the interface and the keyword trigger, plus a thin HTTP
// client for the one real provider in the original_source config
// (OpenWeather).
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Lookup resolves a free-form weather context string for location, or
// returns an error if the lookup fails. Callers treat any error as
// "no weather context" and continue the turn (spec.md §4.E fail-soft).
type Lookup interface {
	Context(ctx context.Context, location string) (string, error)
}

// keywords that trigger a weather lookup when present in user text,
// mirroring original_source/agent_new/services/weather_service.py's
// keyword heuristic.
var keywords = []string{
	"weather", "temperature", "rain", "humidity", "forecast", "storm",
	"天気", "気温", "雨",
}

// NeedsWeather reports whether text references weather-sensitive
// topics and should trigger a Lookup.
func NeedsWeather(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// OpenWeatherClient implements Lookup against the OpenWeather current
// conditions endpoint.
type OpenWeatherClient struct {
	baseURL    string
	apiKey     string
	lang       string
	httpClient *http.Client
}

// NewOpenWeatherClient builds a Lookup. baseURL defaults to
// "https://api.openweathermap.org/data/2.5" when empty.
func NewOpenWeatherClient(baseURL, apiKey, lang string, timeout time.Duration) *OpenWeatherClient {
	if baseURL == "" {
		baseURL = "https://api.openweathermap.org/data/2.5"
	}
	if lang == "" {
		lang = "en"
	}
	return &OpenWeatherClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		lang:       lang,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type owmResponse struct {
	Weather []struct {
		Description string `json:"description"`
	} `json:"weather"`
	Main struct {
		Temp     float64 `json:"temp"`
		Humidity int     `json:"humidity"`
	} `json:"main"`
	Name string `json:"name"`
}

// Context fetches current conditions for location and renders a short
// free-form string for the synthesis prompt.
func (c *OpenWeatherClient) Context(ctx context.Context, location string) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("weather: no API key configured")
	}
	q := url.Values{}
	q.Set("q", location)
	q.Set("appid", c.apiKey)
	q.Set("units", "metric")
	q.Set("lang", c.lang)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/weather?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("weather: upstream status %d: %s", resp.StatusCode, string(body))
	}

	var out owmResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	desc := "unknown conditions"
	if len(out.Weather) > 0 {
		desc = out.Weather[0].Description
	}
	return fmt.Sprintf("Current weather in %s: %s, %.1f°C, %d%% humidity.", out.Name, desc, out.Main.Temp, out.Main.Humidity), nil
}
