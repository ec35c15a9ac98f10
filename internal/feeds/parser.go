package feeds

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stormline/weather-trader/internal/clock"
	"github.com/stormline/weather-trader/internal/stations"
	"github.com/stormline/weather-trader/pkg/types"
)

// questionPattern matches one market question phrasing and names the
// weather variable it implies.
type questionPattern struct {
	re       *regexp.Regexp
	variable types.Variable
}

var tempPatterns = []questionPattern{
	// "Highest temperature in NYC on January 20?"
	{regexp.MustCompile(`(?i)highest\s+temperature\s+in\s+(?P<city>[\w\s]+?)\s+on\s+(?P<date>[\w\s\d,/-]+)`), types.VariableTempMax},
	// "What will be the high temperature in NYC on Jan 20?"
	{regexp.MustCompile(`(?i)what\s+will\s+be\s+the\s+high\s+(?:temperature\s+)?in\s+(?P<city>[\w\s]+?)\s+on\s+(?P<date>[\w\s\d,/-]+)`), types.VariableTempMax},
	// "High temperature in NYC on January 20"
	{regexp.MustCompile(`(?i)high\s+temperature\s+in\s+(?P<city>[\w\s]+?)\s+on\s+(?P<date>[\w\s\d,/-]+)`), types.VariableTempMax},
	// "NYC high temperature on January 20"
	{regexp.MustCompile(`(?i)(?P<city>[\w\s]+?)\s+high\s+temperature\s+on\s+(?P<date>[\w\s\d,/-]+)`), types.VariableTempMax},
	// "Lowest temperature in NYC on January 20?"
	{regexp.MustCompile(`(?i)lowest\s+temperature\s+in\s+(?P<city>[\w\s]+?)\s+on\s+(?P<date>[\w\s\d,/-]+)`), types.VariableTempMin},
	// "Low temperature in NYC on January 20"
	{regexp.MustCompile(`(?i)low\s+temperature\s+in\s+(?P<city>[\w\s]+?)\s+on\s+(?P<date>[\w\s\d,/-]+)`), types.VariableTempMin},
	// "Will the high in NYC exceed 85°F on Jan 20?"
	{regexp.MustCompile(`(?i)will\s+the\s+high\s+in\s+(?P<city>[\w\s]+?)\s+(?:exceed|be\s+above)\s+(?P<threshold>\d+)°?[FfCc]?\s+on\s+(?P<date>[\w\s\d,/-]+)`), types.VariableTempMax},
	// "Will NYC temperature reach 85°F on Jan 20?"
	{regexp.MustCompile(`(?i)will\s+(?P<city>[\w\s]+?)\s+temperature\s+reach\s+(?P<threshold>\d+)°?[FfCc]?\s+on\s+(?P<date>[\w\s\d,/-]+)`), types.VariableTempMax},
}

var precipPatterns = []questionPattern{
	// "Will it rain in NYC on January 20?"
	{regexp.MustCompile(`(?i)will\s+it\s+rain\s+in\s+(?P<city>[\w\s]+?)\s+on\s+(?P<date>[\w\s\d,/-]+)`), types.VariablePrecip},
	// "Rain in NYC on January 20?"
	{regexp.MustCompile(`(?i)rain\s+in\s+(?P<city>[\w\s]+?)\s+on\s+(?P<date>[\w\s\d,/-]+)`), types.VariablePrecip},
	// "Any precipitation in NYC on January 20"
	{regexp.MustCompile(`(?i)any\s+precipitation\s+in\s+(?P<city>[\w\s]+?)\s+on\s+(?P<date>[\w\s\d,/-]+)`), types.VariablePrecip},
	// "Will NYC get rain on January 20?"
	{regexp.MustCompile(`(?i)will\s+(?P<city>[\w\s]+?)\s+get\s+(?:rain|precipitation)\s+on\s+(?P<date>[\w\s\d,/-]+)`), types.VariablePrecip},
	// "Snow in NYC on January 20?"
	{regexp.MustCompile(`(?i)snow\s+in\s+(?P<city>[\w\s]+?)\s+on\s+(?P<date>[\w\s\d,/-]+)`), types.VariablePrecip},
}

// outcomeRule extracts a threshold and comparison from an outcome label.
type outcomeRule struct {
	re   *regexp.Regexp
	cmp  types.Comparison
	unit types.Unit
}

var outcomeRules = []outcomeRule{
	// "85°F or higher"
	{regexp.MustCompile(`(?i)(?P<threshold>\d+(?:\.\d+)?)\s*°?F\s+or\s+higher`), types.ComparisonGTE, types.UnitFahrenheit},
	// "84°F or lower"
	{regexp.MustCompile(`(?i)(?P<threshold>\d+(?:\.\d+)?)\s*°?F\s+or\s+lower`), types.ComparisonLTE, types.UnitFahrenheit},
	// "Above 85°F"
	{regexp.MustCompile(`(?i)above\s+(?P<threshold>\d+(?:\.\d+)?)\s*°?F`), types.ComparisonGT, types.UnitFahrenheit},
	// "Below 85°F"
	{regexp.MustCompile(`(?i)below\s+(?P<threshold>\d+(?:\.\d+)?)\s*°?F`), types.ComparisonLT, types.UnitFahrenheit},
	// "At least 85°F"
	{regexp.MustCompile(`(?i)at\s+least\s+(?P<threshold>\d+(?:\.\d+)?)\s*°?F`), types.ComparisonGTE, types.UnitFahrenheit},
	// "Under 85°F"
	{regexp.MustCompile(`(?i)under\s+(?P<threshold>\d+(?:\.\d+)?)\s*°?F`), types.ComparisonLT, types.UnitFahrenheit},
	// "85-86°F" bracket
	{regexp.MustCompile(`(?i)(?P<low>\d+)\s*-\s*(?P<high>\d+)\s*°?F`), types.ComparisonBetween, types.UnitFahrenheit},
	// Celsius variants
	{regexp.MustCompile(`(?i)(?P<threshold>\d+(?:\.\d+)?)\s*°?C\s+or\s+higher`), types.ComparisonGTE, types.UnitCelsius},
	{regexp.MustCompile(`(?i)(?P<threshold>\d+(?:\.\d+)?)\s*°?C\s+or\s+lower`), types.ComparisonLTE, types.UnitCelsius},
}

// dateFormats in trial order; formats without a year fall back to the
// current or next year.
var dateFormats = []string{
	"January 2, 2006",
	"January 2 2006",
	"Jan 2, 2006",
	"Jan 2 2006",
	"January 2",
	"Jan 2",
	"01/02/2006",
	"01/02",
	"2006-01-02",
}

// Parser turns raw discovery rows into structured market specs.
type Parser struct {
	logger *zap.Logger
	clock  clock.Clock
}

// NewParser builds a parser.
func NewParser(logger *zap.Logger, clk clock.Clock) *Parser {
	return &Parser{logger: logger.Named("parser"), clock: clk}
}

// Parse extracts a MarketSpec from a raw market. Markets whose
// question, city, date, threshold, or token pair cannot be recognized
// return nil; the first matching question pattern decides.
func (p *Parser) Parse(raw *RawMarket) *types.MarketSpec {
	for _, pat := range tempPatterns {
		if m := pat.re.FindStringSubmatch(raw.Question); m != nil {
			return p.parseTemperature(raw, pat, m)
		}
	}
	for _, pat := range precipPatterns {
		if m := pat.re.FindStringSubmatch(raw.Question); m != nil {
			return p.parsePrecipitation(raw, pat, m)
		}
	}
	return nil
}

// ParseAll filters a discovery listing down to recognizable weather
// markets, skipping closed rows.
func (p *Parser) ParseAll(rows []RawMarket) []*types.MarketSpec {
	out := make([]*types.MarketSpec, 0, len(rows))
	for i := range rows {
		if rows[i].Closed {
			continue
		}
		if spec := p.Parse(&rows[i]); spec != nil {
			out = append(out, spec)
		}
	}
	return out
}

func (p *Parser) parseTemperature(raw *RawMarket, pat questionPattern, m []string) *types.MarketSpec {
	city := group(pat.re, m, "city")
	station, ok := resolveCity(city)
	if !ok {
		p.logger.Debug("unknown city in question", zap.String("city", city), zap.String("market_id", raw.ID))
		return nil
	}

	date, ok := p.parseDate(group(pat.re, m, "date"))
	if !ok {
		p.logger.Debug("unparseable date in question", zap.String("date", group(pat.re, m, "date")), zap.String("market_id", raw.ID))
		return nil
	}

	variable := pat.variable
	comparison := types.ComparisonGTE
	unit := types.UnitFahrenheit
	var threshold, thresholdHigh float64

	if t := group(pat.re, m, "threshold"); t != "" {
		threshold, _ = strconv.ParseFloat(t, 64)
	} else {
		th, ok := thresholdFromOutcomes(raw.OutcomeList())
		if !ok {
			p.logger.Debug("no threshold in outcomes", zap.String("market_id", raw.ID))
			return nil
		}
		threshold = th.value
		comparison = th.cmp
		unit = th.unit
		if th.cmp == types.ComparisonBetween {
			thresholdHigh = th.high
			if variable == types.VariableTempMax {
				variable = types.VariableBracket
			}
		}
	}

	return p.build(raw, station, date, variable, threshold, thresholdHigh, comparison, unit)
}

func (p *Parser) parsePrecipitation(raw *RawMarket, pat questionPattern, m []string) *types.MarketSpec {
	city := group(pat.re, m, "city")
	station, ok := resolveCity(city)
	if !ok {
		p.logger.Debug("unknown city in question", zap.String("city", city), zap.String("market_id", raw.ID))
		return nil
	}

	date, ok := p.parseDate(group(pat.re, m, "date"))
	if !ok {
		p.logger.Debug("unparseable date in question", zap.String("date", group(pat.re, m, "date")), zap.String("market_id", raw.ID))
		return nil
	}

	// Any measurable precipitation, compared against the daily sum in
	// the ensemble's native millimeters.
	return p.build(raw, station, date, types.VariablePrecip, 0.01, 0, types.ComparisonGT, types.UnitCelsius)
}

func (p *Parser) build(raw *RawMarket, station stations.Station, date time.Time, variable types.Variable, threshold, thresholdHigh float64, comparison types.Comparison, unit types.Unit) *types.MarketSpec {
	tokens := raw.TokenIDs()
	if len(tokens) < 2 {
		p.logger.Debug("market missing token pair", zap.String("market_id", raw.ID))
		return nil
	}

	yesPrice := 0.0
	if prices := raw.PriceList(); len(prices) > 0 {
		yesPrice = prices[0]
	}

	return &types.MarketSpec{
		MarketID:       raw.ID,
		Question:       raw.Question,
		TokenYes:       tokens[0],
		TokenNo:        tokens[1],
		Location:       station.ID,
		Cluster:        station.Cluster,
		ResolutionTime: date,
		Variable:       variable,
		Threshold:      threshold,
		ThresholdHigh:  thresholdHigh,
		Comparison:     comparison,
		Unit:           unit,
		Liquidity:      raw.LiquidityValue(),
		YesPrice:       yesPrice,
	}
}

// parseDate parses the date phrase from a question. Dates without a
// year get the current year, or the next year when that would already
// be more than a day in the past.
func (p *Parser) parseDate(s string) (time.Time, bool) {
	s = strings.TrimSuffix(strings.TrimSpace(s), "?")
	now := p.clock.Now().UTC()

	for _, layout := range dateFormats {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		if t.Year() == 0 {
			t = time.Date(now.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			if t.Before(now.Add(-24 * time.Hour)) {
				t = t.AddDate(1, 0, 0)
			}
		}
		return t.UTC(), true
	}
	return time.Time{}, false
}

type outcomeThreshold struct {
	value float64
	high  float64
	cmp   types.Comparison
	unit  types.Unit
}

func thresholdFromOutcomes(outcomes []string) (outcomeThreshold, bool) {
	for _, outcome := range outcomes {
		for _, rule := range outcomeRules {
			m := rule.re.FindStringSubmatch(outcome)
			if m == nil {
				continue
			}
			if rule.cmp == types.ComparisonBetween {
				low, _ := strconv.ParseFloat(m[rule.re.SubexpIndex("low")], 64)
				high, _ := strconv.ParseFloat(m[rule.re.SubexpIndex("high")], 64)
				return outcomeThreshold{value: low, high: high, cmp: rule.cmp, unit: rule.unit}, true
			}
			v, _ := strconv.ParseFloat(m[rule.re.SubexpIndex("threshold")], 64)
			return outcomeThreshold{value: v, cmp: rule.cmp, unit: rule.unit}, true
		}
	}
	return outcomeThreshold{}, false
}

// resolveCity maps the city phrase from a question to a station:
// direct ID or alias first, then the upper-snake form, then partial
// alias containment.
func resolveCity(raw string) (stations.Station, bool) {
	name := strings.TrimSpace(raw)
	if st, ok := stations.Resolve(name); ok {
		return st, true
	}
	if st, ok := stations.Get(strings.ToUpper(strings.ReplaceAll(name, " ", "_"))); ok {
		return st, true
	}
	lower := strings.ToLower(name)
	for alias, id := range stations.Aliases() {
		if strings.Contains(lower, alias) || strings.Contains(alias, lower) {
			if st, ok := stations.Get(id); ok {
				return st, true
			}
		}
	}
	return stations.Station{}, false
}

func group(re *regexp.Regexp, m []string, name string) string {
	idx := re.SubexpIndex(name)
	if idx < 0 || idx >= len(m) {
		return ""
	}
	return m[idx]
}
