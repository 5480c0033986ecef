// Package weather answers "weather <city>" mentions and chat messages with
// current conditions from OpenWeatherMap.
package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/sipeed/misskeybot/pkg/events"
	"github.com/sipeed/misskeybot/pkg/plugin"
	"github.com/sipeed/misskeybot/pkg/providers"
)

const (
	Name = "weather"

	defaultAPIBase = "https://api.openweathermap.org"
	defaultCity    = "Beijing"
)

var queryPattern = regexp.MustCompile(`(?i)(?:天气|weather)\s*([\p{Han}a-zA-Z\s]*)`)

type settings struct {
	apiKey  string
	apiBase string
	city    string
	units   string
	lang    string
}

type Plugin struct {
	mu  sync.RWMutex
	cfg settings
}

func New() (plugin.Plugin, error) { return &Plugin{}, nil }

func (p *Plugin) Name() string         { return Name }
func (p *Plugin) Description() string  { return "Looks up the current weather for a city" }
func (p *Plugin) DefaultPriority() int { return 40 }

// OnStartup fails without plugins.weather.api_key, which keeps the plugin
// disabled.
func (p *Plugin) OnStartup(ctx context.Context, pc *plugin.Context) error {
	cfg := settings{
		apiKey:  pc.Config.LookupString("plugins.weather.api_key", ""),
		apiBase: strings.TrimRight(pc.Config.LookupString("plugins.weather.api_base", defaultAPIBase), "/"),
		city:    pc.Config.LookupString("plugins.weather.default_city", defaultCity),
		units:   pc.Config.LookupString("plugins.weather.units", "metric"),
		lang:    pc.Config.LookupString("plugins.weather.lang", "en"),
	}
	if cfg.apiKey == "" {
		return errors.New("plugins.weather.api_key is not configured")
	}
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
	pc.Log.Info("Weather plugin ready", map[string]interface{}{"default_city": cfg.city})
	return nil
}

func (p *Plugin) OnMention(ctx context.Context, pc *plugin.Context, ev events.Event) (events.Result, error) {
	return p.answer(ctx, pc, ev)
}

func (p *Plugin) OnMessage(ctx context.Context, pc *plugin.Context, ev events.Event) (events.Result, error) {
	return p.answer(ctx, pc, ev)
}

func (p *Plugin) answer(ctx context.Context, pc *plugin.Context, ev events.Event) (events.Result, error) {
	p.mu.RLock()
	cfg := p.cfg
	p.mu.RUnlock()
	if cfg.apiKey == "" {
		return events.Unclaimed(), nil
	}

	city, ok := Query(ev.TextOf())
	if !ok {
		return events.Unclaimed(), nil
	}
	if city == "" {
		city = cfg.city
	}
	pc.Log.Info("Weather lookup", map[string]interface{}{
		"from": ev.Sender.Handle(),
		"city": city,
	})

	loc, err := p.geocode(ctx, pc, cfg, city)
	if err != nil {
		pc.Log.Warn("Geocoding failed", map[string]interface{}{"city": city, "error": err.Error()})
		return events.Reply("Sorry, the weather service is unavailable right now."), nil
	}
	if loc == nil {
		return events.Reply(fmt.Sprintf("Sorry, I couldn't find a place called %q.", city)), nil
	}

	cur, err := p.current(ctx, pc, cfg, loc)
	if err != nil {
		pc.Log.Warn("Weather request failed", map[string]interface{}{"city": city, "error": err.Error()})
		return events.Reply("Sorry, the weather service is unavailable right now."), nil
	}
	return events.Reply(Format(loc.DisplayName(), cur, cfg.units)), nil
}

// Query extracts the city from a weather request. ok is false when text is
// not a weather request; city is "" when none was named.
func Query(text string) (city string, ok bool) {
	m := queryPattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	words := strings.Fields(m[1])
	if len(words) > 1 {
		switch strings.ToLower(words[0]) {
		case "in", "for", "at":
			words = words[1:]
		}
	}
	return strings.Join(words, " "), true
}

type location struct {
	Name    string  `json:"name"`
	Country string  `json:"country"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

func (l location) DisplayName() string {
	if l.Country == "" {
		return l.Name
	}
	return l.Name + ", " + l.Country
}

// Current is the part of the 2.5 current-weather response the reply uses.
type Current struct {
	Main struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
		Humidity  int     `json:"humidity"`
		Pressure  int     `json:"pressure"`
	} `json:"main"`
	Weather []struct {
		Description string `json:"description"`
	} `json:"weather"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
	Visibility int `json:"visibility"`
}

func (p *Plugin) geocode(ctx context.Context, pc *plugin.Context, cfg settings, city string) (*location, error) {
	q := url.Values{}
	q.Set("q", city)
	q.Set("limit", "1")
	q.Set("appid", cfg.apiKey)
	var found []location
	if err := getJSON(ctx, pc, cfg.apiBase+"/geo/1.0/direct?"+q.Encode(), &found); err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, nil
	}
	return &found[0], nil
}

func (p *Plugin) current(ctx context.Context, pc *plugin.Context, cfg settings, loc *location) (Current, error) {
	q := url.Values{}
	q.Set("lat", fmt.Sprint(loc.Lat))
	q.Set("lon", fmt.Sprint(loc.Lon))
	q.Set("appid", cfg.apiKey)
	q.Set("units", cfg.units)
	q.Set("lang", cfg.lang)
	var cur Current
	err := getJSON(ctx, pc, cfg.apiBase+"/data/2.5/weather?"+q.Encode(), &cur)
	return cur, err
}

func getJSON(ctx context.Context, pc *plugin.Context, rawURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := pc.Proxy.Do(ctx, req)
	if err != nil {
		var se *providers.StatusError
		if errors.As(err, &se) {
			return fmt.Errorf("openweathermap returned %d", se.StatusCode)
		}
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

// Format renders the reply.
func Format(place string, cur Current, units string) string {
	tempUnit, speedUnit := "°C", "m/s"
	switch units {
	case "imperial":
		tempUnit, speedUnit = "°F", "mph"
	case "standard":
		tempUnit = "K"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "🌤️ Weather for %s:\n", place)
	fmt.Fprintf(&sb, "🌡️ Temperature: %d%s (feels like %d%s)\n",
		int(math.Round(cur.Main.Temp)), tempUnit, int(math.Round(cur.Main.FeelsLike)), tempUnit)
	fmt.Fprintf(&sb, "💧 Humidity: %d%%\n", cur.Main.Humidity)
	if len(cur.Weather) > 0 {
		fmt.Fprintf(&sb, "☁️ Conditions: %s\n", cur.Weather[0].Description)
	}
	fmt.Fprintf(&sb, "💨 Wind: %g %s\n", cur.Wind.Speed, speedUnit)
	fmt.Fprintf(&sb, "🌊 Pressure: %d hPa", cur.Main.Pressure)
	if cur.Visibility > 0 {
		fmt.Fprintf(&sb, "\n👁️ Visibility: %.1f km", float64(cur.Visibility)/1000)
	}
	return sb.String()
}
