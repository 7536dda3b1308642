package api

import (
	"errors"
	"net/http"

	"github.com/Domenick1991/airmap/internal/domain"
	"github.com/Domenick1991/airmap/internal/service/hubs"
	"github.com/gin-gonic/gin"
)

type AirportHandler struct {
	service hubs.HubUseCase
}

// Bounds are pointers so a missing field is distinguishable from zero;
// all four are required, east < west means the viewport wraps the
// antimeridian.
type airportsInBoundsRequest struct {
	North       *float64 `json:"north" binding:"required"`
	South       *float64 `json:"south" binding:"required"`
	East        *float64 `json:"east" binding:"required"`
	West        *float64 `json:"west" binding:"required"`
	Zoom        *float64 `json:"zoom"`
	Types       []string `json:"types"`
	Limit       int      `json:"limit"`
	ExcludeCity string   `json:"excludeCity"`
}

type hubResponse struct {
	HubID              string   `json:"hubId"`
	RepresentativeIATA string   `json:"representativeIata"`
	RepresentativeName string   `json:"representativeName"`
	CityName           string   `json:"cityName"`
	CountryCode        string   `json:"countryCode"`
	Lat                float64  `json:"lat"`
	Lng                float64  `json:"lng"`
	Type               string   `json:"type"`
	Price              float64  `json:"price"`
	AirportCount       int      `json:"airportCount"`
	AllIATAs           []string `json:"allIatas"`
}

type airportsInBoundsResponse struct {
	Airports []hubResponse `json:"airports"`
	Total    int           `json:"total"`
	HasMore  bool          `json:"hasMore"`
}

const defaultZoom = 10

func NewAirportHandler(service hubs.HubUseCase) *AirportHandler {
	return &AirportHandler{service: service}
}

func (h *AirportHandler) Register(router *gin.RouterGroup) {
	router.POST("/airports-in-bounds", h.airportsInBounds)
}

func (h *AirportHandler) airportsInBounds(c *gin.Context) {
	var req airportsInBoundsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "north, south, east and west are required"})
		return
	}

	zoom := float64(defaultZoom)
	if req.Zoom != nil {
		zoom = *req.Zoom
	}

	result, err := h.service.HubsInBounds(c.Request.Context(), hubs.Query{
		North:       *req.North,
		South:       *req.South,
		East:        *req.East,
		West:        *req.West,
		Zoom:        zoom,
		Types:       req.Types,
		Limit:       req.Limit,
		ExcludeCity: req.ExcludeCity,
	})
	if err != nil {
		if errors.Is(err, hubs.ErrInvalidBounds) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	airports := make([]hubResponse, 0, len(result.Hubs))
	for _, hub := range result.Hubs {
		airports = append(airports, toHubResponse(hub))
	}
	c.JSON(http.StatusOK, airportsInBoundsResponse{
		Airports: airports,
		Total:    result.Total,
		HasMore:  result.HasMore,
	})
}

func toHubResponse(hub domain.Hub) hubResponse {
	return hubResponse{
		HubID:              hub.HubID,
		RepresentativeIATA: hub.RepresentativeIATA,
		RepresentativeName: hub.RepresentativeName,
		CityName:           hub.CityName,
		CountryCode:        hub.CountryCode,
		Lat:                hub.Lat,
		Lng:                hub.Lng,
		Type:               string(hub.Type),
		Price:              hub.Price,
		AirportCount:       hub.AirportCount,
		AllIATAs:           hub.AllIATAs,
	}
}
