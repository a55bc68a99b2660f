package scheduler

import (
	"sort"
	"time"

	"github.com/noah-isme/fleet-scheduler-api/internal/models"
)

// DepotInventory is the frozen view of one depot.
type DepotInventory struct {
	Depot  models.Depot
	Routes []models.Route
	Buses  []models.Bus
	Crew   []models.CrewMember
	// Trips already on record around the planned range. They occupy resources and
	// are adopted when they sit on a planned slot.
	Trips []models.Trip
}

// Snapshot is the read-only inventory a run plans against, frozen when the run starts.
type Snapshot struct {
	TakenAt time.Time
	depots  map[string]*DepotInventory
}

// NewSnapshot groups inventory rows by depot and sorts them into tie-break order:
// routes by natural route number, buses and crew by id, trips by departure.
func NewSnapshot(takenAt time.Time, depots []models.Depot, routes []models.Route, buses []models.Bus, crew []models.CrewMember, trips []models.Trip) *Snapshot {
	snap := &Snapshot{
		TakenAt: takenAt,
		depots:  make(map[string]*DepotInventory, len(depots)),
	}
	for _, d := range depots {
		snap.depots[d.ID] = &DepotInventory{Depot: d}
	}
	for _, r := range routes {
		if inv, ok := snap.depots[r.DepotID]; ok {
			inv.Routes = append(inv.Routes, r)
		}
	}
	for _, b := range buses {
		if inv, ok := snap.depots[b.DepotID]; ok {
			inv.Buses = append(inv.Buses, b)
		}
	}
	for _, m := range crew {
		if inv, ok := snap.depots[m.DepotID]; ok {
			m.DutyLog = append(models.DutyLog(nil), m.DutyLog...)
			inv.Crew = append(inv.Crew, m)
		}
	}
	for _, t := range trips {
		if inv, ok := snap.depots[t.DepotID]; ok {
			inv.Trips = append(inv.Trips, t)
		}
	}
	for _, inv := range snap.depots {
		sort.SliceStable(inv.Routes, func(i, j int) bool {
			a, b := inv.Routes[i], inv.Routes[j]
			if a.RouteNumber != b.RouteNumber {
				return routeNumberLess(a.RouteNumber, b.RouteNumber)
			}
			return a.ID < b.ID
		})
		sort.SliceStable(inv.Buses, func(i, j int) bool { return inv.Buses[i].ID < inv.Buses[j].ID })
		sort.SliceStable(inv.Crew, func(i, j int) bool { return inv.Crew[i].ID < inv.Crew[j].ID })
		sort.SliceStable(inv.Trips, func(i, j int) bool {
			if !inv.Trips[i].DepartureTime.Equal(inv.Trips[j].DepartureTime) {
				return inv.Trips[i].DepartureTime.Before(inv.Trips[j].DepartureTime)
			}
			return inv.Trips[i].ID < inv.Trips[j].ID
		})
	}
	return snap
}

// Depot returns the inventory for id.
func (s *Snapshot) Depot(id string) (*DepotInventory, bool) {
	inv, ok := s.depots[id]
	return inv, ok
}

// DepotIDs lists the depots in the snapshot in id order.
func (s *Snapshot) DepotIDs() []string {
	ids := make([]string, 0, len(s.depots))
	for id := range s.depots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ActiveRoutes returns the routes of the depot that are flagged active.
func (inv *DepotInventory) ActiveRoutes() []models.Route {
	active := make([]models.Route, 0, len(inv.Routes))
	for _, r := range inv.Routes {
		if r.IsActive {
			active = append(active, r)
		}
	}
	return active
}
