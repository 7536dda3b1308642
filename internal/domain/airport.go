package domain

type AirportType string

const (
	AirportTypeLarge  AirportType = "large_airport"
	AirportTypeMedium AirportType = "medium_airport"
	AirportTypeSmall  AirportType = "small_airport"
)

// Airport is a row of the airports reference table. Read-only data.
type Airport struct {
	IATA             string
	Name             string
	City             string
	CountryCode      string
	CountryName      string
	Lat              float64
	Lng              float64
	Type             AirportType
	ScheduledService bool
}

type LatLng struct {
	Lat float64
	Lng float64
}

type HubType string

const (
	HubTypeLarge  HubType = "large"
	HubTypeMedium HubType = "medium"
)

// Hub is a city-level aggregation of one or more airports. HubID is derived
// from country code and normalized city name, never from the representative
// airport, so marker identity survives the cheapest airport changing.
type Hub struct {
	HubID              string
	RepresentativeIATA string
	RepresentativeName string
	CityName           string
	CountryCode        string
	Lat                float64
	Lng                float64
	Type               HubType
	Price              float64
	AirportCount       int
	AllIATAs           []string
}
