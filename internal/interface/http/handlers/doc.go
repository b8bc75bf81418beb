// Package handlers contains reusable HTTP building blocks: health checks and
// middleware shared by the API server.
//
// # Health Checks
//
// The HealthChecker runs every registered check in parallel with a per-check
// timeout:
//
//	checker := handlers.NewCompositeHealthChecker("v1.0.0")
//	checker.AddCheck("database", handlers.NewPingCheck(conn))
//	checker.AddCheck("redis", handlers.NewPingCheck(cache))
//
//	status := checker.Check(ctx)
//	if !status.Healthy {
//	    logger.Warn("health check failed", "message", status.Message)
//	}
//
// # Middleware
//
// Middleware follow the func(http.Handler) http.Handler shape, so they plug
// into chi's Use:
//
//	r.Use(middleware.RequestID)
//	r.Use(handlers.RequestLogger(logger))
//	r.Use(handlers.Recoverer(logger))
//	r.Use(handlers.RequestSizeLimit(1 << 20))
package handlers
