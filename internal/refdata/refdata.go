// Package refdata loads the static reference tables the engine consumes as
// configuration: the MSP price table, the city gazetteer with its market
// hubs, and per-km transport rates. Tables are YAML so they can be swapped
// without touching engine logic; a default document is embedded.
package refdata

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

var (
	ErrNoCities      = errors.New("refdata: gazetteer is empty")
	ErrNoHubs        = errors.New("refdata: no hub cities")
	ErrUnknownCity   = errors.New("refdata: city not in gazetteer")
	ErrMissingRate   = errors.New("refdata: missing transport rate")
	ErrNegativeValue = errors.New("refdata: negative value")
)

// City is one gazetteer entry.
type City struct {
	Name string  `yaml:"name"`
	Lat  float64 `yaml:"lat"`
	Lon  float64 `yaml:"lon"`
}

// Tables is the full set of reference data.
type Tables struct {
	MSP            map[string]float64 `yaml:"msp"`
	Cities         []City             `yaml:"cities"`
	Hubs           []string           `yaml:"hubs"`
	DefaultCity    string             `yaml:"default_city"`
	TransportRates map[string]float64 `yaml:"transport_rates"`
}

// Default returns the embedded tables. It panics only if the embedded
// document is broken, which is a build defect.
func Default() *Tables {
	t, err := Parse(defaultYAML)
	if err != nil {
		panic(fmt.Sprintf("refdata: embedded tables invalid: %v", err))
	}
	return t
}

// Load reads tables from a YAML file. An empty path yields the defaults.
func Load(path string) (*Tables, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("refdata: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML document. Names are normalised to
// lower case so lookups can be case-insensitive.
func Parse(data []byte) (*Tables, error) {
	var t Tables
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("refdata: decode: %w", err)
	}
	t.normalise()
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *Tables) normalise() {
	msp := make(map[string]float64, len(t.MSP))
	for k, v := range t.MSP {
		msp[normKey(k)] = v
	}
	t.MSP = msp

	for i := range t.Cities {
		t.Cities[i].Name = normKey(t.Cities[i].Name)
	}
	for i := range t.Hubs {
		t.Hubs[i] = normKey(t.Hubs[i])
	}
	t.DefaultCity = normKey(t.DefaultCity)

	rates := make(map[string]float64, len(t.TransportRates))
	for k, v := range t.TransportRates {
		rates[normKey(k)] = v
	}
	t.TransportRates = rates
}

// Validate checks the cross-references between tables.
func (t *Tables) Validate() error {
	if len(t.Cities) == 0 {
		return ErrNoCities
	}
	if len(t.Hubs) == 0 {
		return ErrNoHubs
	}
	for _, h := range t.Hubs {
		if _, ok := t.City(h); !ok {
			return fmt.Errorf("%w: hub %q", ErrUnknownCity, h)
		}
	}
	if t.DefaultCity == "" {
		t.DefaultCity = t.Hubs[0]
	}
	if _, ok := t.City(t.DefaultCity); !ok {
		return fmt.Errorf("%w: default %q", ErrUnknownCity, t.DefaultCity)
	}
	for _, vehicle := range []string{"tractor", "small_truck", "medium_truck", "large_truck"} {
		if _, ok := t.TransportRates[vehicle]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingRate, vehicle)
		}
	}
	for crop, price := range t.MSP {
		if price < 0 {
			return fmt.Errorf("%w: msp %s", ErrNegativeValue, crop)
		}
	}
	return nil
}

// City looks a gazetteer entry up by normalised name.
func (t *Tables) City(name string) (City, bool) {
	name = normKey(name)
	for _, c := range t.Cities {
		if c.Name == name {
			return c, true
		}
	}
	return City{}, false
}

// IsHub reports whether the named city is a major market hub.
func (t *Tables) IsHub(name string) bool {
	name = normKey(name)
	for _, h := range t.Hubs {
		if h == name {
			return true
		}
	}
	return false
}

func normKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
