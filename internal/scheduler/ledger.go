package scheduler

import (
	"sort"
	"time"

	"github.com/noah-isme/fleet-scheduler-api/internal/models"
)

const rollingWindow = 24 * time.Hour

// interval is one reserved [start, end) span. day is the service date it belongs to.
type interval struct {
	key      string
	day      string
	start    time.Time
	end      time.Time
	distance float64
}

func (iv interval) hours() float64 {
	return iv.end.Sub(iv.start).Hours()
}

// duty is the span of a crew member's work on one service date.
type duty struct {
	day   string
	start time.Time
	end   time.Time
}

type crewPair struct {
	driver    string
	conductor string
}

// Ledger is the in-run reservation record of one depot. Intervals per resource are
// kept sorted by start and never overlap.
type Ledger struct {
	bus      map[string][]interval
	crew     map[string][]interval
	busDaily map[string]map[string]int
	workDays map[string]map[string]int
	pairs    map[string]crewPair
}

func newLedger() *Ledger {
	return &Ledger{
		bus:      make(map[string][]interval),
		crew:     make(map[string][]interval),
		busDaily: make(map[string]map[string]int),
		workDays: make(map[string]map[string]int),
		pairs:    make(map[string]crewPair),
	}
}

func (l *Ledger) clone() *Ledger {
	c := newLedger()
	for id, ivs := range l.bus {
		c.bus[id] = append([]interval(nil), ivs...)
	}
	for id, ivs := range l.crew {
		c.crew[id] = append([]interval(nil), ivs...)
	}
	for id, days := range l.busDaily {
		c.busDaily[id] = copyCounts(days)
	}
	for id, days := range l.workDays {
		c.workDays[id] = copyCounts(days)
	}
	for k, v := range l.pairs {
		c.pairs[k] = v
	}
	return c
}

func copyCounts(src map[string]int) map[string]int {
	dst := make(map[string]int, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func insertSorted(list []interval, iv interval) []interval {
	i := sort.Search(len(list), func(i int) bool { return list[i].start.After(iv.start) })
	list = append(list, interval{})
	copy(list[i+1:], list[i:])
	list[i] = iv
	return list
}

func removeKey(list []interval, key string) ([]interval, interval, bool) {
	for i, iv := range list {
		if iv.key == key {
			return append(list[:i], list[i+1:]...), iv, true
		}
	}
	return list, interval{}, false
}

func (l *Ledger) reserveBus(id string, iv interval) {
	l.bus[id] = insertSorted(l.bus[id], iv)
	if l.busDaily[id] == nil {
		l.busDaily[id] = make(map[string]int)
	}
	l.busDaily[id][iv.day]++
}

func (l *Ledger) reserveCrew(id string, iv interval) {
	l.crew[id] = insertSorted(l.crew[id], iv)
	if l.workDays[id] == nil {
		l.workDays[id] = make(map[string]int)
	}
	l.workDays[id][iv.day]++
}

func (l *Ledger) releaseBus(id, key string) {
	list, iv, ok := removeKey(l.bus[id], key)
	if !ok {
		return
	}
	l.bus[id] = list
	decrement(l.busDaily[id], iv.day)
}

func (l *Ledger) releaseCrew(id, key string) {
	list, iv, ok := removeKey(l.crew[id], key)
	if !ok {
		return
	}
	l.crew[id] = list
	decrement(l.workDays[id], iv.day)
}

func decrement(counts map[string]int, day string) {
	if counts == nil {
		return
	}
	if counts[day] <= 1 {
		delete(counts, day)
		return
	}
	counts[day]--
}

func (l *Ledger) notePair(routeID, day, driver, conductor string) {
	l.pairs[routeID+"|"+day] = crewPair{driver: driver, conductor: conductor}
}

func (l *Ledger) pair(routeID, day string) (crewPair, bool) {
	p, ok := l.pairs[routeID+"|"+day]
	return p, ok
}

// free reports whether [start, end) misses every interval in list.
func free(list []interval, start, end time.Time) bool {
	i := sort.Search(len(list), func(i int) bool { return list[i].end.After(start) })
	return i == len(list) || !list[i].start.Before(end)
}

func (l *Ledger) busFree(id string, start, end time.Time) bool {
	return free(l.bus[id], start, end)
}

func (l *Ledger) crewFree(id string, start, end time.Time) bool {
	return free(l.crew[id], start, end)
}

func (l *Ledger) busTripsOn(id, day string) int {
	return l.busDaily[id][day]
}

func (l *Ledger) busesUsed() int {
	n := 0
	for _, ivs := range l.bus {
		if len(ivs) > 0 {
			n++
		}
	}
	return n
}

// hoursBetween sums the overlap of the member's intervals with [from, to).
func (l *Ledger) hoursBetween(id string, from, to time.Time) float64 {
	list := l.crew[id]
	i := sort.Search(len(list), func(i int) bool { return list[i].end.After(from) })
	var total time.Duration
	for ; i < len(list) && list[i].start.Before(to); i++ {
		total += overlap(list[i].start, list[i].end, from, to)
	}
	return total.Hours()
}

// distanceBetween sums the distance of intervals ending within (from, to].
func (l *Ledger) distanceBetween(id string, from, to time.Time) float64 {
	list := l.crew[id]
	i := sort.Search(len(list), func(i int) bool { return list[i].end.After(from) })
	km := 0.0
	for ; i < len(list) && !list[i].end.After(to); i++ {
		km += list[i].distance
	}
	return km
}

// lastEndBefore returns the latest interval end at or before at.
func (l *Ledger) lastEndBefore(id string, at time.Time) (time.Time, bool) {
	list := l.crew[id]
	i := sort.Search(len(list), func(i int) bool { return list[i].end.After(at) })
	if i == 0 {
		return time.Time{}, false
	}
	return list[i-1].end, true
}

func overlap(aStart, aEnd, bStart, bEnd time.Time) time.Duration {
	start := aStart
	if bStart.After(start) {
		start = bStart
	}
	end := aEnd
	if bEnd.Before(end) {
		end = bEnd
	}
	if !end.After(start) {
		return 0
	}
	return end.Sub(start)
}

// maxRollingHours is the largest 24h workload of the member among windows that
// intersect cand, counting cand itself. The workload is piecewise linear in the window
// start, so only breakpoints need checking.
func (l *Ledger) maxRollingHours(id string, cand interval) float64 {
	lo := cand.start.Add(-rollingWindow)
	hi := cand.end
	points := []time.Time{cand.start, cand.end.Add(-rollingWindow)}
	list := l.crew[id]
	i := sort.Search(len(list), func(i int) bool { return list[i].end.After(lo.Add(-rollingWindow)) })
	for ; i < len(list) && list[i].start.Before(hi.Add(rollingWindow)); i++ {
		iv := list[i]
		points = append(points, iv.start, iv.end, iv.start.Add(-rollingWindow), iv.end.Add(-rollingWindow))
	}
	best := 0.0
	for _, t := range points {
		if !t.After(lo) || !t.Before(hi) {
			continue
		}
		to := t.Add(rollingWindow)
		h := l.hoursBetween(id, t, to) + overlap(cand.start, cand.end, t, to).Hours()
		if h > best {
			best = h
		}
	}
	return best
}

// duties merges the member's intervals into one span per service date, ordered by day.
func (l *Ledger) duties(id string) []duty {
	byDay := make(map[string]*duty)
	var order []string
	for _, iv := range l.crew[id] {
		d, ok := byDay[iv.day]
		if !ok {
			byDay[iv.day] = &duty{day: iv.day, start: iv.start, end: iv.end}
			order = append(order, iv.day)
			continue
		}
		if iv.start.Before(d.start) {
			d.start = iv.start
		}
		if iv.end.After(d.end) {
			d.end = iv.end
		}
	}
	sort.Strings(order)
	out := make([]duty, 0, len(order))
	for _, day := range order {
		out = append(out, *byDay[day])
	}
	return out
}

// restHolds reports whether adding cand keeps at least minRest between the member's duties.
func (l *Ledger) restHolds(id string, cand interval, minRest time.Duration) bool {
	duties := l.duties(id)
	start, end := cand.start, cand.end
	for _, d := range duties {
		if d.day != cand.day {
			continue
		}
		if d.start.Before(start) {
			start = d.start
		}
		if d.end.After(end) {
			end = d.end
		}
	}
	for _, d := range duties {
		switch {
		case d.day < cand.day:
			if d.end.Add(minRest).After(start) {
				return false
			}
		case d.day > cand.day:
			if end.Add(minRest).After(d.start) {
				return false
			}
		}
	}
	return true
}

// consecutiveDays is the length of the run of worked days containing day once day is worked.
func (l *Ledger) consecutiveDays(id, day string) int {
	worked := l.workDays[id]
	d, err := time.Parse(dateLayout, day)
	if err != nil {
		return 1
	}
	n := 1
	for prev := d.AddDate(0, 0, -1); worked[DateKey(prev)] > 0; prev = prev.AddDate(0, 0, -1) {
		n++
	}
	for next := d.AddDate(0, 0, 1); worked[DateKey(next)] > 0; next = next.AddDate(0, 0, 1) {
		n++
	}
	return n
}

// seedLedger records what is already committed: trips on file and, for days with no
// trip on file, the crew duty log projected backwards from the snapshot time.
func seedLedger(inv *DepotInventory, takenAt time.Time) *Ledger {
	l := newLedger()
	distance := make(map[string]float64, len(inv.Routes))
	for _, r := range inv.Routes {
		distance[r.ID] = r.DistanceKm
	}
	for _, t := range inv.Trips {
		if !t.OccupiesResources() {
			continue
		}
		iv := interval{
			key:      "trip:" + t.ID,
			day:      t.ServiceDate.Format(dateLayout),
			start:    t.DepartureTime,
			end:      t.ArrivalTime,
			distance: distance[t.RouteID],
		}
		if t.BusID != nil && *t.BusID != "" {
			l.reserveBus(*t.BusID, iv)
		}
		if t.DriverID != nil && *t.DriverID != "" {
			l.reserveCrew(*t.DriverID, iv)
		}
		if t.ConductorID != nil && *t.ConductorID != "" {
			l.reserveCrew(*t.ConductorID, iv)
		}
	}
	for _, m := range inv.Crew {
		seedDutyLog(l, m, takenAt)
	}
	return l
}

func seedDutyLog(l *Ledger, m models.CrewMember, takenAt time.Time) {
	type entry struct {
		date time.Time
		models.DutyEntry
	}
	entries := make([]entry, 0, len(m.DutyLog))
	for _, e := range m.DutyLog {
		d, err := time.Parse(dateLayout, e.Date)
		if err != nil || e.Hours <= 0 {
			continue
		}
		entries = append(entries, entry{date: d, DutyEntry: e})
	}
	if len(entries) == 0 {
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].date.After(entries[j].date) })
	latestEnd := takenAt.Add(-time.Duration(m.RestHoursSinceLastDuty * float64(time.Hour)))
	latest := entries[0].date
	for _, e := range entries {
		if l.workDays[m.ID][e.Date] > 0 {
			continue
		}
		days := int(latest.Sub(e.date).Hours() / 24)
		end := latestEnd.AddDate(0, 0, -days)
		start := end.Add(-time.Duration(e.Hours * float64(time.Hour)))
		if !l.crewFree(m.ID, start, end) {
			continue
		}
		l.reserveCrew(m.ID, interval{
			key:      "duty:" + e.Date,
			day:      e.Date,
			start:    start,
			end:      end,
			distance: e.DistanceKm,
		})
	}
}
