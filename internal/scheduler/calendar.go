package scheduler

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Calendar scales daily slot counts by season, weekend and holiday.
// A missing entry or a nil Weekend means 1.0; an explicit 0 cancels service.
type Calendar struct {
	Seasonal map[string]float64
	Weekend  *float64
	Holidays map[string]float64
}

type calendarFile struct {
	Seasonal map[string]float64 `yaml:"seasonal"`
	Weekend  *float64           `yaml:"weekend"`
	Holidays []struct {
		Date       string  `yaml:"date"`
		Name       string  `yaml:"name"`
		Multiplier float64 `yaml:"multiplier"`
	} `yaml:"holidays"`
}

// DefaultSeasons mirrors the yearly service pattern of the fleet.
func DefaultSeasons() map[string]float64 {
	return map[string]float64{
		"spring": 1.0,
		"summer": 1.2,
		"autumn": 0.9,
		"winter": 0.8,
	}
}

// LoadCalendar reads a YAML calendar file.
//
//	seasonal: {summer: 1.2, winter: 0.8}
//	weekend: 0.7
//	holidays:
//	  - {date: 2025-01-26, name: Republic Day, multiplier: 0.5}
func LoadCalendar(path string) (Calendar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Calendar{}, fmt.Errorf("read calendar file: %w", err)
	}
	return ParseCalendar(data)
}

// ParseCalendar decodes the YAML calendar format accepted by LoadCalendar.
func ParseCalendar(data []byte) (Calendar, error) {
	var raw calendarFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Calendar{}, fmt.Errorf("decode calendar: %w", err)
	}
	cal := Calendar{
		Seasonal: make(map[string]float64, len(raw.Seasonal)),
		Weekend:  raw.Weekend,
		Holidays: make(map[string]float64, len(raw.Holidays)),
	}
	for season, mult := range raw.Seasonal {
		key := strings.ToLower(strings.TrimSpace(season))
		if !validSeason(key) {
			return Calendar{}, fmt.Errorf("unknown season %q", season)
		}
		if mult < 0 {
			return Calendar{}, fmt.Errorf("negative multiplier for season %q", season)
		}
		cal.Seasonal[key] = mult
	}
	if cal.Weekend != nil && *cal.Weekend < 0 {
		return Calendar{}, fmt.Errorf("negative weekend multiplier")
	}
	for _, h := range raw.Holidays {
		if _, err := time.Parse(dateLayout, h.Date); err != nil {
			return Calendar{}, fmt.Errorf("holiday %q: invalid date %q", h.Name, h.Date)
		}
		if h.Multiplier < 0 {
			return Calendar{}, fmt.Errorf("holiday %q: negative multiplier", h.Name)
		}
		cal.Holidays[h.Date] = h.Multiplier
	}
	return cal, nil
}

// Merge returns c with every table entry of override applied on top.
func (c Calendar) Merge(override Calendar) Calendar {
	merged := Calendar{
		Seasonal: make(map[string]float64, len(c.Seasonal)+len(override.Seasonal)),
		Weekend:  c.Weekend,
		Holidays: make(map[string]float64, len(c.Holidays)+len(override.Holidays)),
	}
	for k, v := range c.Seasonal {
		merged.Seasonal[k] = v
	}
	for k, v := range override.Seasonal {
		merged.Seasonal[strings.ToLower(k)] = v
	}
	for k, v := range c.Holidays {
		merged.Holidays[k] = v
	}
	for k, v := range override.Holidays {
		merged.Holidays[k] = v
	}
	if override.Weekend != nil {
		w := *override.Weekend
		merged.Weekend = &w
	}
	return merged
}

// Multiplier is the combined seasonal, weekend and holiday factor for date.
func (c Calendar) Multiplier(date time.Time) float64 {
	mult := 1.0
	if s, ok := c.Seasonal[Season(date.Month())]; ok {
		mult *= s
	}
	if wd := date.Weekday(); c.Weekend != nil && (wd == time.Saturday || wd == time.Sunday) {
		mult *= *c.Weekend
	}
	if h, ok := c.Holidays[DateKey(date)]; ok {
		mult *= h
	}
	return mult
}

// Season maps a month to its meteorological season name.
func Season(m time.Month) string {
	switch m {
	case time.March, time.April, time.May:
		return "spring"
	case time.June, time.July, time.August:
		return "summer"
	case time.September, time.October, time.November:
		return "autumn"
	default:
		return "winter"
	}
}

func validSeason(s string) bool {
	switch s {
	case "spring", "summer", "autumn", "winter":
		return true
	}
	return false
}
