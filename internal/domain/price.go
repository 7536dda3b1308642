package domain

import "time"

type PriceStatus string

const (
	// PriceStatusPending means a fetch for this destination is in flight.
	PriceStatusPending PriceStatus = "PENDING"
	// PriceStatusKnown means the backend confirmed a price.
	PriceStatusKnown PriceStatus = "KNOWN"
	// PriceStatusNoRoute means the backend confirmed there is no flight.
	// Distinct from a destination that was simply never requested.
	PriceStatusNoRoute PriceStatus = "NO_ROUTE"
)

// PriceRecord is a confirmed price from the pricing backend.
type PriceRecord struct {
	Price float64 `json:"price"`
	Date  string  `json:"date"`
}

// PriceState is the live view of one destination's price. Absence from the
// price map means the destination was never requested.
type PriceState struct {
	Status PriceStatus
	Price  float64
	Date   string
}

// CacheEntry wraps a price result for durable storage. A nil Price is a
// confirmed "no route", not a miss. Timestamp is unix milliseconds.
type CacheEntry struct {
	Price     *PriceRecord `json:"price"`
	Timestamp int64        `json:"timestamp"`
}

// Valid reports whether the entry is still within its TTL at now.
func (e CacheEntry) Valid(ttl time.Duration, now time.Time) bool {
	return now.UnixMilli()-e.Timestamp < ttl.Milliseconds()
}

// State converts the stored entry into a live price state.
func (e CacheEntry) State() PriceState {
	if e.Price == nil {
		return PriceState{Status: PriceStatusNoRoute}
	}
	return PriceState{Status: PriceStatusKnown, Price: e.Price.Price, Date: e.Price.Date}
}
