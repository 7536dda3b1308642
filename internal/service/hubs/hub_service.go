package hubs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/Domenick1991/airmap/internal/domain"
	"github.com/Domenick1991/airmap/internal/repository"
)

// ErrInvalidBounds marks a malformed viewport; handlers map it to 400.
var ErrInvalidBounds = errors.New("invalid bounds")

// overFetchFactor leaves room for grouping and spacing to discard rows
// without starving the result.
const overFetchFactor = 3

// DefaultLimit caps the hub count when the request does not set one.
const DefaultLimit = 60

type Query struct {
	North       float64
	South       float64
	East        float64
	West        float64
	Zoom        float64
	Types       []string
	Limit       int
	ExcludeCity string
}

type Result struct {
	Hubs    []domain.Hub
	Total   int
	HasMore bool
}

type HubUseCase interface {
	HubsInBounds(ctx context.Context, q Query) (*Result, error)
}

// PriceSource supplies the price used to pick a hub's representative
// airport. The default is deterministic and synthetic; a real pricing feed
// can be injected without touching the aggregation.
type PriceSource interface {
	Price(airport domain.Airport) float64
}

type HubService struct {
	repo   repository.AirportRepository
	prices PriceSource
}

type HubServiceOption func(*HubService)

func WithPriceSource(src PriceSource) HubServiceOption {
	return func(s *HubService) { s.prices = src }
}

func NewHubService(repo repository.AirportRepository, opts ...HubServiceOption) *HubService {
	s := &HubService{repo: repo, prices: SyntheticPrices{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// cityGroup collects the airports of one normalized city.
type cityGroup struct {
	city     string // display casing from the first airport seen
	key      repository.CityKey
	airports []domain.Airport
	hasLarge bool
	center   domain.LatLng
}

// HubsInBounds aggregates the airports inside the viewport into city hubs.
//
// Zoom drives three independent knobs: which airport size classes are
// eligible at all, how many hubs may be returned, and how far apart their
// centers must be on screen. The spacing test is a box test, not a radius:
// |dLat| and |dLng| are compared separately, with the longitude tolerance
// widened 1.5x.
func (s *HubService) HubsInBounds(ctx context.Context, q Query) (*Result, error) {
	if q.North <= q.South {
		return nil, fmt.Errorf("%w: north must be greater than south", ErrInvalidBounds)
	}
	if q.North > 90 || q.South < -90 || q.East > 180 || q.East < -180 || q.West > 180 || q.West < -180 {
		return nil, fmt.Errorf("%w: coordinates out of range", ErrInvalidBounds)
	}

	limit, minDistance := zoomParams(q.Zoom, q.Limit)
	types := eligibleTypes(q.Zoom, q.Types)
	if len(types) == 0 {
		// Every requested class is ineligible at this zoom; an empty result
		// is more honest than returning classes the client did not ask for.
		return &Result{Hubs: []domain.Hub{}}, nil
	}

	airports, err := s.repo.AirportsInBounds(ctx, repository.BoundsFilter{
		North: q.North,
		South: q.South,
		East:  q.East,
		West:  q.West,
		Types: types,
		Limit: limit * overFetchFactor,
	})
	if err != nil {
		return nil, fmt.Errorf("query airports in bounds: %w", err)
	}

	groups := groupByCity(airports, q.ExcludeCity)
	s.resolveCenters(ctx, groups)

	// Large-airport cities first, then bigger groups, then name, so major
	// destinations win when the limit truncates. The name tie-break keeps
	// the output deterministic.
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].hasLarge != groups[j].hasLarge {
			return groups[i].hasLarge
		}
		if len(groups[i].airports) != len(groups[j].airports) {
			return len(groups[i].airports) > len(groups[j].airports)
		}
		return groups[i].key.City < groups[j].key.City
	})

	hubs := make([]domain.Hub, 0, limit)
	accepted := make([]domain.LatLng, 0, limit)
	for _, g := range groups {
		if len(hubs) >= limit {
			break
		}
		if tooClose(g.center, accepted, minDistance) {
			continue
		}
		hubs = append(hubs, s.buildHub(g))
		accepted = append(accepted, g.center)
	}

	return &Result{
		Hubs:    hubs,
		Total:   len(hubs),
		HasMore: len(hubs) == limit,
	}, nil
}

// resolveCenters prefers the stable city-table centroid over the mean of the
// group's airport coordinates: the mean shifts as the fetched airport set
// changes between queries, which makes markers visibly drift. Lookup failure
// degrades to the mean instead of failing the request.
func (s *HubService) resolveCenters(ctx context.Context, groups []*cityGroup) {
	keys := make([]repository.CityKey, 0, len(groups))
	for _, g := range groups {
		keys = append(keys, g.key)
	}

	centers, err := s.repo.CityCenters(ctx, keys)
	if err != nil {
		log.Printf("city center lookup failed, falling back to centroids: %v", err)
		centers = nil
	}

	for _, g := range groups {
		if c, ok := centers[g.key]; ok {
			g.center = c
			continue
		}
		var lat, lng float64
		for _, a := range g.airports {
			lat += a.Lat
			lng += a.Lng
		}
		n := float64(len(g.airports))
		g.center = domain.LatLng{Lat: lat / n, Lng: lng / n}
	}
}

func (s *HubService) buildHub(g *cityGroup) domain.Hub {
	rep := g.airports[0]
	best := s.prices.Price(rep)
	allIATAs := make([]string, 0, len(g.airports))
	for _, a := range g.airports {
		allIATAs = append(allIATAs, a.IATA)
		price := s.prices.Price(a)
		if price < best || (price == best && a.IATA < rep.IATA) {
			rep = a
			best = price
		}
	}
	sort.Strings(allIATAs)

	hubType := domain.HubTypeMedium
	if g.hasLarge {
		hubType = domain.HubTypeLarge
	}

	return domain.Hub{
		HubID:              hubID(g.key),
		RepresentativeIATA: rep.IATA,
		RepresentativeName: rep.Name,
		CityName:           g.city,
		CountryCode:        g.key.CountryCode,
		Lat:                g.center.Lat,
		Lng:                g.center.Lng,
		Type:               hubType,
		Price:              best,
		AirportCount:       len(g.airports),
		AllIATAs:           allIATAs,
	}
}

func groupByCity(airports []domain.Airport, excludeCity string) []*cityGroup {
	exclude := normalizeCity(excludeCity)
	byKey := make(map[repository.CityKey]*cityGroup)
	order := make([]*cityGroup, 0)

	for _, a := range airports {
		city := normalizeCity(a.City)
		if city == "" || (exclude != "" && city == exclude) {
			continue
		}
		key := repository.CityKey{City: city, CountryCode: strings.ToUpper(a.CountryCode)}
		g, ok := byKey[key]
		if !ok {
			g = &cityGroup{city: strings.TrimSpace(a.City), key: key}
			byKey[key] = g
			order = append(order, g)
		}
		g.airports = append(g.airports, a)
		if a.Type == domain.AirportTypeLarge {
			g.hasLarge = true
		}
	}
	return order
}

// tooClose implements the spacing invariant: a candidate is rejected when its
// center lands inside the tolerance box of any accepted center.
func tooClose(c domain.LatLng, accepted []domain.LatLng, minDistance float64) bool {
	for _, a := range accepted {
		dLat := c.Lat - a.Lat
		if dLat < 0 {
			dLat = -dLat
		}
		dLng := c.Lng - a.Lng
		if dLng < 0 {
			dLng = -dLng
		}
		if dLat < minDistance && dLng < minDistance*1.5 {
			return true
		}
	}
	return false
}

// zoomParams maps zoom to the hub ceiling and the minimum angular spacing.
// Both are monotonic in zoom: a world view gets few, widely spaced hubs.
func zoomParams(zoom float64, requested int) (int, float64) {
	var ceiling int
	var minDistance float64
	switch {
	case zoom < 4:
		ceiling, minDistance = 12, 6.0
	case zoom < 6:
		ceiling, minDistance = 20, 3.0
	case zoom < 8:
		ceiling, minDistance = 35, 1.2
	default:
		ceiling, minDistance = DefaultLimit, 0.4
	}

	limit := requested
	if limit <= 0 || limit > ceiling {
		limit = ceiling
	}
	return limit, minDistance
}

// eligibleTypes restricts airport size classes by zoom so a world view is
// not cluttered with regional strips, then intersects with the requested
// classes if any were given. The intersection can be empty; the caller
// treats that as an empty result.
func eligibleTypes(zoom float64, requested []string) []domain.AirportType {
	var allowed []domain.AirportType
	switch {
	case zoom < 5:
		allowed = []domain.AirportType{domain.AirportTypeLarge}
	case zoom < 8:
		allowed = []domain.AirportType{domain.AirportTypeLarge, domain.AirportTypeMedium}
	default:
		allowed = []domain.AirportType{domain.AirportTypeLarge, domain.AirportTypeMedium, domain.AirportTypeSmall}
	}
	if len(requested) == 0 {
		return allowed
	}

	want := make(map[domain.AirportType]bool, len(requested))
	for _, t := range requested {
		want[normalizeType(t)] = true
	}
	out := make([]domain.AirportType, 0, len(allowed))
	for _, t := range allowed {
		if want[t] {
			out = append(out, t)
		}
	}
	return out
}

func normalizeType(t string) domain.AirportType {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "large", "large_airport":
		return domain.AirportTypeLarge
	case "medium", "medium_airport":
		return domain.AirportTypeMedium
	case "small", "small_airport":
		return domain.AirportTypeSmall
	default:
		return domain.AirportType(strings.ToLower(strings.TrimSpace(t)))
	}
}

func normalizeCity(city string) string {
	return strings.ToLower(strings.TrimSpace(city))
}

// hubID is derived from country and city, never from the representative
// airport, so hub identity survives the cheapest airport changing.
func hubID(key repository.CityKey) string {
	slug := strings.ReplaceAll(key.City, " ", "-")
	return key.CountryCode + "-" + slug
}

var _ HubUseCase = (*HubService)(nil)
