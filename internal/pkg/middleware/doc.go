// Package middleware holds HTTP middleware that is not tied to one router.
//
// RateLimiter keeps a token bucket per client IP. The server puts it in
// front of the connect, heartbeat, message and websocket routes so one
// client cannot churn the registry:
//
//	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
//	defer rl.Stop()
//	r.With(rl.Middleware).Post("/v1/connections", connect)
package middleware
