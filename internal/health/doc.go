// Package health provides the liveness, health and readiness endpoints
// served by the admin server.
//
// Readiness turns unhealthy as soon as the proxy starts draining, so a
// load balancer stops routing new requests while in-flight transfers
// finish.
//
//	checker := health.NewChecker(version, logger)
//	checker.RegisterCheck("dispatcher", health.DispatcherCheck(d.Stopped))
//	checker.RegisterCheck("backend", health.TCPCheck(backendAddr, time.Second))
//	checker.RegisterRoutes(router)
package health
