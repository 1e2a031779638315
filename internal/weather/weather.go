// Package weather fetches current conditions and a 5-day forecast from the OpenWeather API
// and reduces them to a compact summary used to enrich soil readings.
package weather

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/BTreeMap/SoilPipe/internal/metrics"
	"github.com/BTreeMap/SoilPipe/internal/models"
	"github.com/tidwall/gjson"
)

// Default client configuration
const (
	DefaultBaseURL = "https://api.openweathermap.org/data/2.5"
	DefaultTimeout = 30 * time.Second
	// maxResponseBytes bounds how much of a provider response is read.
	maxResponseBytes = 4 << 20
)

// Rain outlook buckets, by total forecast rainfall in millimetres.
const (
	OutlookHeavy    = "Heavy"
	OutlookModerate = "Moderate"
	OutlookLight    = "Light"
	OutlookLittle   = "Little to no"
)

// Current holds present conditions at the reading location.
type Current struct {
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Pressure    float64 `json:"pressure"`
	Description string  `json:"description"`
	Rainfall1h  float64 `json:"rainfall_1h"`
}

// Forecast is the reduced 5-day outlook.
type Forecast struct {
	AvgTemperature  float64 `json:"avg_temperature"`
	TotalRainfallMM float64 `json:"total_rainfall_mm"`
	RainyDays       int     `json:"rainy_days"`
	Outlook         string  `json:"outlook"`
	Summary         string  `json:"summary"`
}

// Summary is the weather snapshot attached to a reading.
type Summary struct {
	Location string   `json:"location"`
	Current  Current  `json:"current"`
	Forecast Forecast `json:"forecast"`
	// Fallback is set when the provider could not be reached and defaults were used.
	Fallback bool `json:"fallback,omitempty"`
}

// Fallback returns the fixed summary used whenever the provider is unavailable.
func Fallback() Summary {
	return Summary{
		Location: "Unknown",
		Current: Current{
			Temperature: 25,
			Humidity:    60,
			Description: "Data unavailable",
		},
		Forecast: Forecast{
			AvgTemperature:  25,
			TotalRainfallMM: 0,
			RainyDays:       0,
			Outlook:         OutlookLittle,
			Summary:         "Weather data unavailable",
		},
		Fallback: true,
	}
}

// Opts holds configuration options for the weather client.
type Opts struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Option defines a configuration option for the weather client.
type Option func(*Opts)

// WithAPIKey sets the OpenWeather API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL overrides the provider base URL.
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithHTTPClient injects the HTTP client used for provider calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client calls the weather provider. It holds no per-request state.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewClient creates a weather client. The API key falls back to OPENWEATHER_API_KEY.
func NewClient(opts ...Option) *Client {
	cfg := Opts{BaseURL: DefaultBaseURL, Timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENWEATHER_API_KEY")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	slog.Debug("Weather client config loaded", "base_url", cfg.BaseURL, "api_key_set", cfg.APIKey != "")
	return &Client{httpClient: cfg.HTTPClient, baseURL: cfg.BaseURL, apiKey: cfg.APIKey}
}

// Fetch returns the current conditions and reduced forecast for a coordinate pair.
// Any provider failure is reported as models.ErrUpstreamUnavailable.
func (c *Client) Fetch(ctx context.Context, latitude, longitude float64) (Summary, error) {
	if c.apiKey == "" {
		return Summary{}, fmt.Errorf("%w: weather API key not set", models.ErrUpstreamUnavailable)
	}

	current, err := c.get(ctx, "weather", latitude, longitude)
	if err != nil {
		return Summary{}, err
	}
	temp := current.Get("main.temp")
	if !temp.Exists() {
		return Summary{}, fmt.Errorf("%w: current conditions missing main.temp", models.ErrUpstreamUnavailable)
	}

	forecast, err := c.get(ctx, "forecast", latitude, longitude)
	if err != nil {
		return Summary{}, err
	}

	location := current.Get("name").String()
	if location == "" {
		location = "Unknown"
	}
	return Summary{
		Location: location,
		Current: Current{
			Temperature: temp.Float(),
			Humidity:    current.Get("main.humidity").Float(),
			Pressure:    current.Get("main.pressure").Float(),
			Description: current.Get("weather.0.description").String(),
			Rainfall1h:  current.Get("rain.1h").Float(),
		},
		Forecast: ReduceForecast(forecast),
	}, nil
}

// FetchOrFallback collapses an unavailable provider into the fixed fallback summary.
func (c *Client) FetchOrFallback(ctx context.Context, latitude, longitude float64) Summary {
	summary, err := c.Fetch(ctx, latitude, longitude)
	if err != nil {
		slog.Warn("Weather.FetchOrFallback: using fallback summary", "lat", latitude, "lon", longitude, "error", err)
		metrics.WeatherFallbacksTotal.Inc()
		return Fallback()
	}
	return summary
}

func (c *Client) get(ctx context.Context, endpoint string, latitude, longitude float64) (gjson.Result, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(latitude, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(longitude, 'f', -1, 64))
	q.Set("appid", c.apiKey)
	q.Set("units", "metric")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%w: build %s request: %w", models.ErrUpstreamUnavailable, endpoint, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%w: %s request: %w", models.ErrUpstreamUnavailable, endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%w: read %s response: %w", models.ErrUpstreamUnavailable, endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return gjson.Result{}, fmt.Errorf("%w: %s returned status %d", models.ErrUpstreamUnavailable, endpoint, resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("%w: %s returned invalid JSON", models.ErrUpstreamUnavailable, endpoint)
	}
	return gjson.ParseBytes(body), nil
}

// ReduceForecast reduces a provider forecast document to averages, totals and a one-line summary.
func ReduceForecast(doc gjson.Result) Forecast {
	list := doc.Get("list")
	if !list.Exists() || !list.IsArray() {
		return Forecast{Outlook: OutlookLittle, Summary: "No forecast available"}
	}

	var tempSum, totalRain float64
	var points int
	rainyDays := make(map[string]struct{})
	list.ForEach(func(_, item gjson.Result) bool {
		tempSum += item.Get("main.temp").Float()
		points++
		if rain := item.Get("rain.3h").Float(); rain > 0 {
			totalRain += rain
			day := time.Unix(item.Get("dt").Int(), 0).UTC().Format(time.DateOnly)
			rainyDays[day] = struct{}{}
		}
		return true
	})

	var avg float64
	if points > 0 {
		avg = tempSum / float64(points)
	}
	outlook := RainOutlook(totalRain)
	return Forecast{
		AvgTemperature:  round1(avg),
		TotalRainfallMM: round1(totalRain),
		RainyDays:       len(rainyDays),
		Outlook:         outlook,
		Summary:         fmt.Sprintf("%s rainfall expected over next 5 days. Avg temp: %.1f°C", outlook, avg),
	}
}

// RainOutlook buckets total rainfall in millimetres.
func RainOutlook(totalMM float64) string {
	switch {
	case totalMM > 100:
		return OutlookHeavy
	case totalMM > 50:
		return OutlookModerate
	case totalMM > 10:
		return OutlookLight
	default:
		return OutlookLittle
	}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
