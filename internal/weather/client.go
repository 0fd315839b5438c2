// Package weather is the processwide weather client and shared cache.
// It talks to the SMHI Metobs (observations) and PMP3G (forecast)
// APIs, grounded directly on smhi_weather.py. The shared Cache (see
// cache.go) is keyed by (lat, lon) rounded to 2 decimals so multiple
// entities at the same site share one upstream call per poll.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"
)

const (
	metobsBase   = "https://opendata-download-metobs.smhi.se/api"
	forecastBase = "https://opendata-download-metfcst.smhi.se/api/category/pmp3g/version/2"

	paramTemp      = 1
	paramWindDir   = 3
	paramWindSpeed = 4
	paramHumidity  = 6
	paramPrecip    = 7

	fetchTimeout = 30 * time.Second
)

// Observation is one weather reading from the nearest active station.
type Observation struct {
	Timestamp       time.Time
	Temperature     float64
	WindSpeed       float64
	Humidity        float64
	CloudCoverOctas float64
	StationID       string
	DistanceKM      float64
}

// ForecastPoint is one future hourly forecast value.
type ForecastPoint struct {
	TargetTime      time.Time
	Temperature     float64
	WindSpeed       float64
	Humidity        float64
	CloudCoverOctas float64
	LeadTimeHours   float64
}

// Client is the SMHI weather client.
type Client struct {
	httpClient *http.Client
}

// NewClient constructs a weather client with a bounded HTTP timeout.
func NewClient() *Client {
	return &Client{httpClient: &http.Client{Timeout: fetchTimeout}}
}

type metobsStationList struct {
	Station []metobsStation `json:"station"`
}

type metobsStation struct {
	ID        int     `json:"id"`
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Active    bool    `json:"active"`
}

type metobsValueList struct {
	Value []metobsValue `json:"value"`
}

type metobsValue struct {
	Value   string `json:"value"`
	Quality string `json:"quality"`
}

func haversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKM = 6371.0
	toRad := func(d float64) float64 { return d * math.Pi / 180 }

	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKM * c
}

func (c *Client) getJSON(ctx context.Context, url string, into interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("weather: %s returned status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(into)
}

func (c *Client) nearestStation(ctx context.Context, latitude, longitude float64) (metobsStation, float64, error) {
	url := fmt.Sprintf("%s/version/latest/parameter/%d/station.json", metobsBase, paramTemp)
	var list metobsStationList
	if err := c.getJSON(ctx, url, &list); err != nil {
		return metobsStation{}, 0, err
	}

	var nearest metobsStation
	minDistance := math.Inf(1)
	for _, s := range list.Station {
		if !s.Active {
			continue
		}
		d := haversineKM(latitude, longitude, s.Latitude, s.Longitude)
		if d < minDistance {
			minDistance = d
			nearest = s
		}
	}
	if minDistance == math.Inf(1) {
		return metobsStation{}, 0, fmt.Errorf("weather: no active station found")
	}
	return nearest, minDistance, nil
}

func (c *Client) latestValue(ctx context.Context, stationID, parameterID int) (float64, bool) {
	url := fmt.Sprintf("%s/version/latest/parameter/%d/station/%d/period/latest-hour/data.json",
		metobsBase, parameterID, stationID)
	var list metobsValueList
	if err := c.getJSON(ctx, url, &list); err != nil || len(list.Value) == 0 {
		return 0, false
	}
	latest := list.Value[len(list.Value)-1]
	if latest.Quality != "G" && latest.Quality != "Y" {
		return 0, false
	}
	var v float64
	if _, err := fmt.Sscanf(latest.Value, "%g", &v); err != nil {
		return 0, false
	}
	return v, true
}

// Observation fetches the current weather from the station nearest
// (latitude, longitude).
func (c *Client) Observation(ctx context.Context, latitude, longitude float64) (Observation, error) {
	station, distanceKM, err := c.nearestStation(ctx, latitude, longitude)
	if err != nil {
		return Observation{}, err
	}

	temp, _ := c.latestValue(ctx, station.ID, paramTemp)
	wind, _ := c.latestValue(ctx, station.ID, paramWindSpeed)
	humidity, _ := c.latestValue(ctx, station.ID, paramHumidity)

	return Observation{
		Timestamp:   time.Now(),
		Temperature: temp,
		WindSpeed:   wind,
		Humidity:    humidity,
		StationID:   fmt.Sprintf("%d", station.ID),
		DistanceKM:  distanceKM,
	}, nil
}

type pmp3gResponse struct {
	TimeSeries []pmp3gTimeSeries `json:"timeSeries"`
}

type pmp3gTimeSeries struct {
	ValidTime  string          `json:"validTime"`
	Parameters []pmp3gParameter `json:"parameters"`
}

type pmp3gParameter struct {
	Name   string    `json:"name"`
	Values []float64 `json:"values"`
}

// Forecast fetches the hourly forecast for the next hoursAhead hours
// at (latitude, longitude).
func (c *Client) Forecast(ctx context.Context, latitude, longitude float64, hoursAhead int) ([]ForecastPoint, error) {
	url := fmt.Sprintf("%s/geotype/point/lon/%f/lat/%f/data.json", forecastBase, longitude, latitude)
	var resp pmp3gResponse
	if err := c.getJSON(ctx, url, &resp); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	cutoff := now.Add(time.Duration(hoursAhead) * time.Hour)

	var points []ForecastPoint
	for _, ts := range resp.TimeSeries {
		validTime, err := time.Parse(time.RFC3339, ts.ValidTime)
		if err != nil {
			continue
		}
		if validTime.After(cutoff) {
			break
		}
		if validTime.Before(now) {
			continue
		}

		var temp *float64
		var cloudCover, windSpeed, humidity float64
		for _, p := range ts.Parameters {
			if len(p.Values) == 0 {
				continue
			}
			switch p.Name {
			case "t":
				v := p.Values[0]
				temp = &v
			case "tcc_mean":
				cloudCover = p.Values[0]
			case "ws":
				windSpeed = p.Values[0]
			case "r":
				humidity = p.Values[0]
			}
		}
		if temp == nil {
			continue
		}

		points = append(points, ForecastPoint{
			TargetTime:      validTime,
			Temperature:     *temp,
			WindSpeed:       windSpeed,
			Humidity:        humidity,
			CloudCoverOctas: cloudCover,
			LeadTimeHours:   validTime.Sub(now).Hours(),
		})
	}

	return points, nil
}

type metobsArchiveValue struct {
	Date    string `json:"date"` // epoch millis as string, SMHI-style
	Value   string `json:"value"`
	Quality string `json:"quality"`
}

// History fetches temperature observations for the station nearest
// (latitude, longitude) over [from, to], used by the gap filler to
// backfill missing weather_observation points (spec §4.9). SMHI only
// exposes pre-bucketed periods (the most recent ~2 months of hourly
// data under "corrected-archive"); points outside [from, to] are
// filtered out client-side.
func (c *Client) History(ctx context.Context, latitude, longitude float64, from, to time.Time) ([]Observation, error) {
	station, distanceKM, err := c.nearestStation(ctx, latitude, longitude)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/version/latest/parameter/%d/station/%d/period/corrected-archive/data.json",
		metobsBase, paramTemp, station.ID)
	var list metobsValueListWithDate
	if err := c.getJSON(ctx, url, &list); err != nil {
		return nil, err
	}

	var out []Observation
	for _, v := range list.Value {
		ms, err := parseEpochMillis(v.Date)
		if err != nil {
			continue
		}
		ts := time.UnixMilli(ms).UTC()
		if ts.Before(from) || ts.After(to) {
			continue
		}
		if v.Quality != "G" && v.Quality != "Y" {
			continue
		}
		var temp float64
		if _, err := fmt.Sscanf(v.Value, "%g", &temp); err != nil {
			continue
		}
		out = append(out, Observation{
			Timestamp:   ts,
			Temperature: temp,
			StationID:   fmt.Sprintf("%d", station.ID),
			DistanceKM:  distanceKM,
		})
	}
	return out, nil
}

type metobsValueListWithDate struct {
	Value []metobsArchiveValue `json:"value"`
}

func parseEpochMillis(s string) (int64, error) {
	var ms int64
	_, err := fmt.Sscanf(s, "%d", &ms)
	return ms, err
}
