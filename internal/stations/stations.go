// Package stations is the registry of weather stations the agent trades on.
//
// Each station is keyed by a canonical location ID (for example
// "NYC_LAGUARDIA"). Markets reference stations through city aliases in
// their question text; forecasts are fetched at the station coordinates;
// diversification groups stations into geographic clusters whose daily
// highs move together.
package stations

import (
	"sort"
	"strings"
)

// Station describes one tradeable weather station.
type Station struct {
	ID               string  `json:"id"`
	StationID        string  `json:"station_id"`
	Name             string  `json:"name"`
	Latitude         float64 `json:"latitude"`
	Longitude        float64 `json:"longitude"`
	ElevationM       int     `json:"elevation_m"`
	Timezone         string  `json:"timezone"`
	ResolutionSource string  `json:"resolution_source"`
	Cluster          string  `json:"cluster"`
}

// Cluster groups stations whose weather is correlated.
type Cluster struct {
	Cities                 []string `json:"cities"`
	CorrelationCoefficient float64  `json:"correlation_coefficient"`
}

var registry = map[string]Station{
	"NYC_LAGUARDIA": {
		ID:               "NYC_LAGUARDIA",
		StationID:        "KLGA",
		Name:             "LaGuardia Airport",
		Latitude:         40.7769,
		Longitude:        -73.8740,
		ElevationM:       6,
		Timezone:         "America/New_York",
		ResolutionSource: "Weather Underground",
		Cluster:          "US_NORTHEAST",
	},
	"BOSTON_LOGAN": {
		ID:               "BOSTON_LOGAN",
		StationID:        "KBOS",
		Name:             "Boston Logan International",
		Latitude:         42.3656,
		Longitude:        -71.0096,
		ElevationM:       6,
		Timezone:         "America/New_York",
		ResolutionSource: "Weather Underground",
		Cluster:          "US_NORTHEAST",
	},
	"MIAMI_INTL": {
		ID:               "MIAMI_INTL",
		StationID:        "KMIA",
		Name:             "Miami International Airport",
		Latitude:         25.7959,
		Longitude:        -80.2870,
		ElevationM:       3,
		Timezone:         "America/New_York",
		ResolutionSource: "Weather Underground",
		Cluster:          "US_SOUTHEAST",
	},
	"LONDON_CITY": {
		ID:               "LONDON_CITY",
		StationID:        "EGLC",
		Name:             "London City Airport",
		Latitude:         51.5053,
		Longitude:        0.0553,
		ElevationM:       5,
		Timezone:         "Europe/London",
		ResolutionSource: "Weather Underground",
		Cluster:          "WESTERN_EUROPE",
	},
	"LOS_ANGELES_INTL": {
		ID:               "LOS_ANGELES_INTL",
		StationID:        "KLAX",
		Name:             "Los Angeles International Airport",
		Latitude:         33.9425,
		Longitude:        -118.4081,
		ElevationM:       38,
		Timezone:         "America/Los_Angeles",
		ResolutionSource: "Weather Underground",
		Cluster:          "US_WEST_COAST",
	},
}

var clusters = map[string]Cluster{
	"US_NORTHEAST": {
		Cities:                 []string{"NYC_LAGUARDIA", "BOSTON_LOGAN", "PHILADELPHIA_INTL", "WASHINGTON_DULLES"},
		CorrelationCoefficient: 0.75,
	},
	"US_SOUTHEAST": {
		Cities:                 []string{"MIAMI_INTL", "ATLANTA_HARTSFIELD", "HOUSTON_HOBBY", "NEW_ORLEANS_ARMSTRONG"},
		CorrelationCoefficient: 0.70,
	},
	"US_WEST_COAST": {
		Cities:                 []string{"LOS_ANGELES_INTL", "SAN_FRANCISCO_INTL", "SEATTLE_TACOMA", "PHOENIX_SKY"},
		CorrelationCoefficient: 0.60,
	},
	"WESTERN_EUROPE": {
		Cities:                 []string{"LONDON_CITY", "PARIS_CDG", "AMSTERDAM_SCHIPHOL", "FRANKFURT_MAIN"},
		CorrelationCoefficient: 0.70,
	},
}

// aliases maps city names as they appear in market questions to station IDs.
var aliases = map[string]string{
	"nyc":           "NYC_LAGUARDIA",
	"new york":      "NYC_LAGUARDIA",
	"new york city": "NYC_LAGUARDIA",
	"manhattan":     "NYC_LAGUARDIA",
	"london":        "LONDON_CITY",
	"miami":         "MIAMI_INTL",
	"los angeles":   "LOS_ANGELES_INTL",
	"la":            "LOS_ANGELES_INTL",
	"boston":        "BOSTON_LOGAN",
}

// Get returns the station for a canonical location ID.
func Get(id string) (Station, bool) {
	s, ok := registry[id]
	return s, ok
}

// All returns every registered station sorted by ID.
func All() []Station {
	out := make([]Station, 0, len(registry))
	for _, s := range registry {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ClusterCities returns cluster name to member city IDs. The returned map
// is a copy and safe to mutate.
func ClusterCities() map[string][]string {
	out := make(map[string][]string, len(clusters))
	for name, c := range clusters {
		cities := make([]string, len(c.Cities))
		copy(cities, c.Cities)
		out[name] = cities
	}
	return out
}

// ClusterFor returns the geographic cluster for a location ID, or ""
// when the location belongs to no cluster.
func ClusterFor(location string) string {
	if s, ok := registry[location]; ok {
		return s.Cluster
	}
	for name, c := range clusters {
		for _, city := range c.Cities {
			if city == location {
				return name
			}
		}
	}
	return ""
}

// Resolve maps a station ID or a city alias to its station. Alias
// matching is case-insensitive.
func Resolve(name string) (Station, bool) {
	if s, ok := registry[name]; ok {
		return s, true
	}
	if id, ok := aliases[strings.ToLower(strings.TrimSpace(name))]; ok {
		return registry[id], true
	}
	return Station{}, false
}

// Aliases returns the city alias table keyed by lower-cased alias.
func Aliases() map[string]string {
	out := make(map[string]string, len(aliases))
	for k, v := range aliases {
		out[k] = v
	}
	return out
}
