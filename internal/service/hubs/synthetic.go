package hubs

import (
	"hash/fnv"

	"github.com/Domenick1991/airmap/internal/domain"
)

// SyntheticPrices derives a deterministic placeholder fare from the IATA
// code. It exists so representative selection and its tests have stable
// input until a real pricing feed is wired in.
type SyntheticPrices struct{}

func (SyntheticPrices) Price(airport domain.Airport) float64 {
	h := fnv.New32a()
	h.Write([]byte(airport.IATA))
	return float64(39 + h.Sum32()%282)
}

var _ PriceSource = SyntheticPrices{}
