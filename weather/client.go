// Package weather fetches forecasts from weatherapi.com.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// DefaultBaseURL is the weatherapi.com v1 endpoint.
const DefaultBaseURL = "http://api.weatherapi.com/v1"

// MaxDays is the longest forecast the API serves.
const MaxDays = 10

// Forecast is the trimmed forecast handed to the model.
type Forecast struct {
	Location string `json:"location"`
	Country  string `json:"country,omitempty"`
	Local    string `json:"localTime,omitempty"`
	Current  struct {
		TempC     float64 `json:"tempC"`
		Condition string  `json:"condition"`
		Humidity  int     `json:"humidity"`
		WindKph   float64 `json:"windKph"`
	} `json:"current"`
	Days []Day `json:"days"`
}

// Day summarises one forecast day.
type Day struct {
	Date         string  `json:"date"`
	MaxTempC     float64 `json:"maxTempC"`
	MinTempC     float64 `json:"minTempC"`
	ChanceOfRain int     `json:"chanceOfRain"`
	Condition    string  `json:"condition"`
}

// Client calls the forecast endpoint.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// New creates a client. An empty baseURL selects DefaultBaseURL.
func New(apiKey, baseURL string, hc *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{apiKey: apiKey, baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

type apiResponse struct {
	Location struct {
		Name      string `json:"name"`
		Country   string `json:"country"`
		Localtime string `json:"localtime"`
	} `json:"location"`
	Current struct {
		TempC     float64 `json:"temp_c"`
		Humidity  int     `json:"humidity"`
		WindKph   float64 `json:"wind_kph"`
		Condition struct {
			Text string `json:"text"`
		} `json:"condition"`
	} `json:"current"`
	Forecast struct {
		Days []struct {
			Date string `json:"date"`
			Day  struct {
				MaxTempC          float64 `json:"maxtemp_c"`
				MinTempC          float64 `json:"mintemp_c"`
				DailyChanceOfRain int     `json:"daily_chance_of_rain"`
				Condition         struct {
					Text string `json:"text"`
				} `json:"condition"`
			} `json:"day"`
		} `json:"forecastday"`
	} `json:"forecast"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Forecast returns up to days days of forecast for location. days is
// clamped to 1..MaxDays.
func (c *Client) Forecast(ctx context.Context, location string, days int) (*Forecast, error) {
	if strings.TrimSpace(location) == "" {
		return nil, errors.New("weather: location is required")
	}
	if days < 1 {
		days = 1
	}
	if days > MaxDays {
		days = MaxDays
	}

	q := url.Values{}
	q.Set("key", c.apiKey)
	q.Set("q", location)
	q.Set("days", strconv.Itoa(days))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/forecast.json?"+q.Encode(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "weather: build request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "weather: request")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "weather: read response")
	}
	var body apiResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, errors.Wrapf(err, "weather: decode response (status %d)", resp.StatusCode)
	}
	if body.Error != nil {
		return nil, fmt.Errorf("weather: %s (code %d)", body.Error.Message, body.Error.Code)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("weather: unexpected status %d", resp.StatusCode)
	}

	out := &Forecast{
		Location: body.Location.Name,
		Country:  body.Location.Country,
		Local:    body.Location.Localtime,
	}
	out.Current.TempC = body.Current.TempC
	out.Current.Condition = body.Current.Condition.Text
	out.Current.Humidity = body.Current.Humidity
	out.Current.WindKph = body.Current.WindKph
	for _, d := range body.Forecast.Days {
		out.Days = append(out.Days, Day{
			Date:         d.Date,
			MaxTempC:     d.Day.MaxTempC,
			MinTempC:     d.Day.MinTempC,
			ChanceOfRain: d.Day.DailyChanceOfRain,
			Condition:    d.Day.Condition.Text,
		})
	}
	return out, nil
}
