// Package http holds the pieces the router and the domain modules share.
package http

import (
	"context"

	"crm_activity_backend/platform/config"
	"crm_activity_backend/platform/logger"

	"github.com/gin-gonic/gin"
)

// RouterConfig is the configuration the router reads.
type RouterConfig interface {
	config.HTTPConfig
	config.JWTConfig
}

// HealthChecker backs GET /api/health.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Module is a bounded context that mounts its own routes.
type Module interface {
	Name() string
	RegisterRoutes(ctx *RouterContext)
}

// RouterContext carries the route groups modules mount on.
type RouterContext struct {
	// V1 is /api/v1, rate limited per client IP.
	V1 *gin.RouterGroup
	// Protected requires a bearer token carrying a tenant.
	Protected *gin.RouterGroup
	// Admin is /api/v1/admin and additionally requires the admin role.
	Admin *gin.RouterGroup
}

// App is assembled by the binaries in cmd and handed to the router.
type App struct {
	Config RouterConfig
	Logger *logger.Logger
	// Health is pinged by the health route. Nil means always healthy.
	Health  HealthChecker
	Modules []Module
}
