package router // package router registers the HTTP routes of the labcore API

import (
	"database/sql"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/labcore/sample-custody/internal/config"
	"github.com/labcore/sample-custody/internal/handler"
	"github.com/labcore/sample-custody/internal/middleware"
	"github.com/labcore/sample-custody/internal/model"
)

// Handlers bundles the route handlers.
type Handlers struct {
	Samples   *handler.SampleHandler
	Storage   *handler.StorageHandler
	Sync      *handler.SyncHandler
	Conflicts *handler.ConflictHandler
}

// Options carries what the middleware chain needs.  A nil Redis client
// disables rate limiting and the response cache.
type Options struct {
	JWTSecret string
	RateLimit config.RateLimitConfig
	Cache     config.CacheConfig
	Redis     *redis.Client
	Log       zerolog.Logger
}

// RegisterRoutes registers the unauthenticated operational endpoints.
func RegisterRoutes(e *echo.Echo, db *sql.DB) {
	e.GET("/healthz", handler.Health(db))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// RegisterAPI registers the /v1 tree.  Every route requires a valid access
// token; writes that withdraw storage or remove records are reserved for
// supervisors.
func RegisterAPI(e *echo.Echo, h Handlers, opt Options) {
	v1 := e.Group("/v1")
	v1.Use(middleware.JWTAuth(opt.JWTSecret))
	v1.Use(middleware.RequireRole(model.RoleTechnician, model.RoleSupervisor, model.RoleField))
	// The limiter runs after JWTAuth so buckets can be keyed per user.
	v1.Use(middleware.NewTokenBucket(opt.RateLimit, opt.Redis, opt.Log))
	supervisor := middleware.RequireRole(model.RoleSupervisor)
	operator := middleware.RequireRole(model.RoleTechnician, model.RoleSupervisor)

	// The stage table is static, so it is the only cached route.
	v1.GET("/lifecycle/stages", h.Samples.Stages, middleware.NewRedisCache(opt.Cache, opt.Redis, opt.Log))

	v1.POST("/samples", h.Samples.Register)
	v1.GET("/samples/:id", h.Samples.Get)
	v1.DELETE("/samples/:id", h.Samples.Delete, supervisor)
	v1.POST("/samples/:id/transitions", h.Samples.Transition)
	v1.GET("/samples/:id/history", h.Samples.History)

	v1.POST("/boxes", h.Storage.CreateBox, supervisor)
	v1.GET("/boxes/:id/slots", h.Storage.BoxSlots)
	v1.GET("/slots/locate", h.Storage.Locate)
	v1.GET("/slots/:id", h.Storage.GetSlot)
	v1.POST("/slots/:id/claim", h.Storage.Claim)
	v1.POST("/slots/:id/occupy", h.Storage.Occupy)
	v1.DELETE("/slots/:id/occupant", h.Storage.Release)
	v1.POST("/slots/:id/retire", h.Storage.Retire, supervisor)

	v1.POST("/sync/mutations", h.Sync.Push)
	v1.GET("/sync/mutations/:key", h.Sync.Mutation)
	v1.POST("/sync/sessions/:id/drain", h.Sync.Drain)

	v1.GET("/conflicts", h.Conflicts.List, operator)
	v1.GET("/conflicts/:id", h.Conflicts.Get, operator)
	v1.POST("/conflicts/:id/accept", h.Conflicts.Accept, operator)
	v1.POST("/conflicts/:id/override", h.Conflicts.Override, operator)
}
