package api

import (
	"net/http"
	"sort"
	"strings"

	"github.com/Domenick1991/airmap/internal/domain"
	"github.com/Domenick1991/airmap/internal/service/prices"
	"github.com/gin-gonic/gin"
)

type PriceHandler struct {
	cache prices.PriceUseCase
}

type fetchPricesRequest struct {
	Origins      []string `json:"origins" binding:"required"`
	Destinations []string `json:"destinations" binding:"required"`
}

type priceEntry struct {
	Price float64 `json:"price"`
	Date  string  `json:"date"`
}

// Prices carries three states per destination: an entry with a value is a
// confirmed price, an explicit null is a confirmed "no route", and a
// destination listed in Pending (and absent from Prices) is still loading.
type pricesResponse struct {
	Prices  map[string]*priceEntry `json:"prices"`
	Pending []string               `json:"pending"`
	Loading bool                   `json:"loading"`
	Version int64                  `json:"version"`
	Error   string                 `json:"error,omitempty"`
}

type missingResponse struct {
	Missing []string `json:"missing"`
}

func NewPriceHandler(cache prices.PriceUseCase) *PriceHandler {
	return &PriceHandler{cache: cache}
}

func (h *PriceHandler) Register(router *gin.RouterGroup) {
	router.POST("/map-prices", h.fetch)
	router.GET("/map-prices", h.snapshot)
	router.GET("/map-prices/missing", h.missing)
	router.DELETE("/map-prices/cache", h.clear)
}

func (h *PriceHandler) fetch(c *gin.Context) {
	var req fetchPricesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.cache.FetchPrices(c.Request.Context(), req.Origins, req.Destinations)
	c.JSON(http.StatusAccepted, h.snapshotResponse())
}

func (h *PriceHandler) snapshot(c *gin.Context) {
	c.JSON(http.StatusOK, h.snapshotResponse())
}

func (h *PriceHandler) missing(c *gin.Context) {
	origins := splitList(c.Query("origins"))
	destinations := splitList(c.Query("destinations"))
	if len(origins) == 0 || len(destinations) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "origins and destinations are required"})
		return
	}
	c.JSON(http.StatusOK, missingResponse{Missing: h.cache.MissingDestinations(origins, destinations)})
}

func (h *PriceHandler) clear(c *gin.Context) {
	destinations := splitList(c.Query("destinations"))
	if err := h.cache.ClearCache(c.Request.Context(), destinations...); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": true, "version": h.cache.Snapshot().Version})
}

func (h *PriceHandler) snapshotResponse() pricesResponse {
	snap := h.cache.Snapshot()

	resp := pricesResponse{
		Prices:  make(map[string]*priceEntry),
		Pending: make([]string, 0),
		Loading: snap.Loading,
		Version: snap.Version,
	}
	if snap.Err != nil {
		resp.Error = snap.Err.Error()
	}
	for dest, state := range snap.Prices {
		switch state.Status {
		case domain.PriceStatusKnown:
			resp.Prices[dest] = &priceEntry{Price: state.Price, Date: state.Date}
		case domain.PriceStatusNoRoute:
			resp.Prices[dest] = nil
		case domain.PriceStatusPending:
			resp.Pending = append(resp.Pending, dest)
		}
	}
	sort.Strings(resp.Pending)
	return resp
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
