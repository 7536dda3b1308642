package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Domenick1991/airmap/api"
	"github.com/Domenick1991/airmap/config"
	"github.com/Domenick1991/airmap/internal/service/hubs"
	"github.com/Domenick1991/airmap/internal/service/prices"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	httpSwagger "github.com/swaggo/http-swagger"
)

// Run starts the HTTP server and blocks until ctx is canceled or the server
// fails.
func Run(ctx context.Context, cfg *config.Config, hubSvc hubs.HubUseCase, priceCache prices.PriceUseCase) error {
	srv := &http.Server{
		Addr:    cfg.HTTP.Address,
		Handler: newRouter(cfg, hubSvc, priceCache),
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	}
}

func newRouter(cfg *config.Config, hubSvc hubs.HubUseCase, priceCache prices.PriceUseCase) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery(), requestID())

	corsCfg := cors.DefaultConfig()
	if len(cfg.HTTP.CORSOrigins) > 0 {
		corsCfg.AllowOrigins = cfg.HTTP.CORSOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	corsCfg.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	router.Use(cors.New(corsCfg))

	group := router.Group("/api")
	api.NewAirportHandler(hubSvc).Register(group)
	api.NewPriceHandler(priceCache).Register(group)

	if cfg.HTTP.SwaggerDir != "" {
		router.Static("/swagger", cfg.HTTP.SwaggerDir)
		router.GET("/docs/*any", gin.WrapH(httpSwagger.Handler(
			httpSwagger.URL("/swagger/airmap.swagger.json"),
		)))
	}

	return router
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Header("X-Request-ID", id)
		c.Next()
	}
}
