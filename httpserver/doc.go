/*
Package httpserver runs the vault API behind a chi router.

Routes are supplied by handlers implementing RouteRegistrar and are wrapped in
the go-utils structured access logger. The server also serves:

  - /livez: always 200 while the process runs
  - /readyz: 200 unless drained
  - /drain, /undrain: toggle readiness for load balancer rotation
  - /debug/pprof: when EnablePprof is set

Prometheus metrics are served on a separate listener at MetricsAddr.

Example:

	cfg := &api.HTTPServerConfig{
		ListenAddr:               ":8080",
		MetricsAddr:              ":9090",
		Log:                      logger,
		DrainDuration:            45 * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
	}
	srv := httpserver.New(cfg, vaultHandler)
	srv.RunInBackground()
	defer srv.Shutdown()
*/
package httpserver
