package scheduler

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/noah-isme/fleet-scheduler-api/internal/models"
)

// Slot is a single (route, departure) unit of work the planner fills or marks unscheduled.
type Slot struct {
	DepotID     string
	RouteID     string
	RouteNumber string
	Date        time.Time
	DateKey     string
	Index       int
	Departure   time.Time
	Arrival     time.Time
	DistanceKm  float64
	MinCapacity int
}

// Key identifies the slot by its natural trip key.
func (s Slot) Key() string {
	return s.RouteID + "|" + strconv.FormatInt(s.Departure.Unix(), 10)
}

// ParseClock parses "HH:MM" or "HH:MM:SS" into an offset from midnight.
func ParseClock(raw string) (time.Duration, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid clock %q", raw)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("invalid hour in %q", raw)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", raw)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}

// routeWindow returns the operating window in minutes from midnight. A window whose
// end is not after its start runs past midnight.
func routeWindow(route models.Route) (startMin, windowMin int, err error) {
	start, err := ParseClock(route.OperatingStart)
	if err != nil {
		return 0, 0, err
	}
	end, err := ParseClock(route.OperatingEnd)
	if err != nil {
		return 0, 0, err
	}
	if end <= start {
		end += 24 * time.Hour
	}
	return int(start / time.Minute), int((end - start) / time.Minute), nil
}

// slotGap is the effective spacing between departures of route.
func slotGap(route models.Route, cfg *Config) int {
	gap := int(cfg.TimeGap / time.Minute)
	if route.MinGapMinutes > gap {
		gap = route.MinGapMinutes
	}
	if gap < 1 {
		gap = 1
	}
	return gap
}

// SlotCount returns how many departures route gets on date.
func SlotCount(route models.Route, date time.Time, cfg *Config) (int, error) {
	_, window, err := routeWindow(route)
	if err != nil {
		return 0, err
	}
	maxFit := window/slotGap(route, cfg) + 1
	base := maxFit
	if route.MaxTripsPerDay > 0 && route.MaxTripsPerDay < base {
		base = route.MaxTripsPerDay
	}
	n := int(math.Floor(float64(base)*cfg.Calendar.Multiplier(date) + 1e-9))
	if cfg.MaxTripsPerRoute > 0 && n > cfg.MaxTripsPerRoute {
		n = cfg.MaxTripsPerRoute
	}
	if n > maxFit {
		n = maxFit
	}
	if n < 0 {
		n = 0
	}
	return n, nil
}

// BuildSlots expands route into evenly spaced departures across its operating window on date.
func BuildSlots(depotID string, route models.Route, date time.Time, cfg *Config) ([]Slot, error) {
	if route.DurationMinutes <= 0 {
		return nil, fmt.Errorf("route %s has no trip duration", route.RouteNumber)
	}
	startMin, window, err := routeWindow(route)
	if err != nil {
		return nil, fmt.Errorf("route %s: %w", route.RouteNumber, err)
	}
	n, err := SlotCount(route, date, cfg)
	if err != nil || n == 0 {
		return nil, err
	}
	step := 0
	if n > 1 {
		step = window / (n - 1)
	}
	day := dateIn(date, cfg.location())
	key := DateKey(day)
	slots := make([]Slot, 0, n)
	for i := 0; i < n; i++ {
		offset := startMin + i*step
		departure := time.Date(day.Year(), day.Month(), day.Day(), 0, offset, 0, 0, day.Location())
		slots = append(slots, Slot{
			DepotID:     depotID,
			RouteID:     route.ID,
			RouteNumber: route.RouteNumber,
			Date:        day,
			DateKey:     key,
			Index:       i,
			Departure:   departure,
			Arrival:     departure.Add(time.Duration(route.DurationMinutes) * time.Minute),
			DistanceKm:  route.DistanceKm,
			MinCapacity: route.MinCapacity,
		})
	}
	return slots, nil
}

// routeNumberLess orders route numbers naturally so "2" sorts before "10" and "10" before "10A".
func routeNumberLess(a, b string) bool {
	for a != "" && b != "" {
		ca, restA := leadingChunk(a)
		cb, restB := leadingChunk(b)
		if ca != cb {
			na, errA := strconv.Atoi(ca)
			nb, errB := strconv.Atoi(cb)
			switch {
			case errA == nil && errB == nil && na != nb:
				return na < nb
			case errA == nil && errB != nil:
				return true
			case errA != nil && errB == nil:
				return false
			default:
				return ca < cb
			}
		}
		a, b = restA, restB
	}
	return len(a) < len(b)
}

func leadingChunk(s string) (string, string) {
	digit := isDigit(s[0])
	i := 1
	for i < len(s) && isDigit(s[i]) == digit {
		i++
	}
	return s[:i], s[i:]
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
