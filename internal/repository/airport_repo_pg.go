package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/Domenick1991/airmap/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

// BoundsFilter selects airports inside a map viewport. East < West means the
// viewport crosses the antimeridian and the longitude range wraps.
type BoundsFilter struct {
	North float64
	South float64
	East  float64
	West  float64
	Types []domain.AirportType
	Limit int
}

// CityKey identifies a city in the cities reference table. City is expected
// lower-cased, CountryCode upper-cased.
type CityKey struct {
	City        string
	CountryCode string
}

type AirportRepository interface {
	AirportsInBounds(ctx context.Context, f BoundsFilter) ([]domain.Airport, error)
	CityCenters(ctx context.Context, keys []CityKey) (map[CityKey]domain.LatLng, error)
}

type PGAirportRepository struct {
	db *pgxpool.Pool
}

func NewAirportRepository(db *pgxpool.Pool) AirportRepository {
	return &PGAirportRepository{db: db}
}

func (r *PGAirportRepository) AirportsInBounds(ctx context.Context, f BoundsFilter) ([]domain.Airport, error) {
	types := make([]string, 0, len(f.Types))
	for _, t := range f.Types {
		types = append(types, string(t))
	}

	query := `SELECT iata_code, name, municipality, iso_country, country_name, latitude_deg, longitude_deg, type
		FROM airports
		WHERE scheduled_service
		  AND iata_code <> ''
		  AND type = ANY($1)
		  AND latitude_deg BETWEEN $2 AND $3`
	args := []interface{}{types, f.South, f.North}

	if f.East < f.West {
		// Viewport wraps the antimeridian: the longitude range is the
		// complement of (east, west), so match either side of the seam.
		query += ` AND (longitude_deg >= $4 OR longitude_deg <= $5)`
		args = append(args, f.West, f.East)
	} else {
		query += ` AND longitude_deg BETWEEN $4 AND $5`
		args = append(args, f.West, f.East)
	}

	query += `
		ORDER BY CASE type
			WHEN 'large_airport' THEN 0
			WHEN 'medium_airport' THEN 1
			ELSE 2
		END, municipality
		LIMIT $6`
	args = append(args, f.Limit)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	airports := make([]domain.Airport, 0)
	for rows.Next() {
		var a domain.Airport
		if err := rows.Scan(&a.IATA, &a.Name, &a.City, &a.CountryCode, &a.CountryName, &a.Lat, &a.Lng, &a.Type); err != nil {
			return nil, err
		}
		a.ScheduledService = true
		airports = append(airports, a)
	}
	return airports, rows.Err()
}

func (r *PGAirportRepository) CityCenters(ctx context.Context, keys []CityKey) (map[CityKey]domain.LatLng, error) {
	centers := make(map[CityKey]domain.LatLng, len(keys))
	if len(keys) == 0 {
		return centers, nil
	}

	pairs := make([]string, 0, len(keys))
	args := make([]interface{}, 0, 2*len(keys))
	for i, k := range keys {
		pairs = append(pairs, fmt.Sprintf("($%d, $%d)", 2*i+1, 2*i+2))
		args = append(args, k.City, k.CountryCode)
	}

	query := fmt.Sprintf(`SELECT lower(name), iso_country, latitude_deg, longitude_deg
		FROM cities
		WHERE (lower(name), iso_country) IN (%s)`, strings.Join(pairs, ", "))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var k CityKey
		var c domain.LatLng
		if err := rows.Scan(&k.City, &k.CountryCode, &c.Lat, &c.Lng); err != nil {
			return nil, err
		}
		centers[k] = c
	}
	return centers, rows.Err()
}

var _ AirportRepository = (*PGAirportRepository)(nil)
