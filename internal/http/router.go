// README: HTTP router: gin engine, middleware, route registration.
package http

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Kuany4953/wasil-sub001/internal/http/handlers"
	"github.com/Kuany4953/wasil-sub001/internal/http/middleware"
	"github.com/Kuany4953/wasil-sub001/internal/modules/dispatch"
	"github.com/Kuany4953/wasil-sub001/internal/modules/geo"
	"github.com/Kuany4953/wasil-sub001/internal/modules/pricing"
	"github.com/Kuany4953/wasil-sub001/internal/modules/ride"
)

type RouterDeps struct {
	Rides       *ride.Service
	Dispatch    *dispatch.Service
	Geo         *geo.Service
	Pricing     *pricing.Service
	AvgSpeedKmh float64
	Log         *slog.Logger
}

func NewRouter(deps RouterDeps) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(middleware.Recovery(deps.Log), middleware.RequestLogger(deps.Log))

	rideHandler := handlers.NewRideHandler(deps.Rides, deps.Dispatch, deps.Log)
	engine.POST("/api/rides", rideHandler.Create)
	engine.GET("/api/rides/:id", rideHandler.Get)
	engine.GET("/api/rides/:id/events", rideHandler.Events)
	engine.GET("/api/rides/:id/offers", rideHandler.Offers)
	engine.GET("/api/rides/:id/can-accept", rideHandler.CanAccept)
	engine.POST("/api/rides/:id/dispatch", rideHandler.Dispatch)
	engine.POST("/api/rides/:id/accept", rideHandler.Accept)
	engine.POST("/api/rides/:id/decline", rideHandler.Decline)
	engine.POST("/api/rides/:id/arrive", rideHandler.Arrive)
	engine.POST("/api/rides/:id/start", rideHandler.Start)
	engine.POST("/api/rides/:id/complete", rideHandler.Complete)
	engine.POST("/api/rides/:id/cancel", rideHandler.Cancel)
	engine.POST("/api/rides/:id/rating", rideHandler.Rate)

	driverHandler := handlers.NewDriverHandler(deps.Geo, deps.Rides, deps.Log)
	engine.PUT("/api/drivers/:id/location", driverHandler.UpdateLocation)
	engine.PUT("/api/drivers/:id/availability", driverHandler.SetAvailability)
	engine.POST("/api/drivers/:id/offline", driverHandler.GoOffline)
	engine.GET("/api/drivers/:id/location", driverHandler.GetLocation)

	quoteHandler := handlers.NewQuoteHandler(deps.Pricing, deps.AvgSpeedKmh)
	engine.POST("/api/quotes", quoteHandler.Estimate)

	engine.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	return engine
}
