// Package admin serves the operational endpoints of avaproxy on a
// separate listener: Prometheus metrics, health probes and a JSON
// snapshot of runtime statistics.
//
//	srv := admin.NewServer(admin.Config{Addr: ":9090"}, registry, checker,
//	    admin.WithLogger(logger),
//	    admin.WithStats("dispatcher", func() any { return d.Stats() }),
//	)
//	if err := srv.Start(); err != nil {
//	    return err
//	}
//	defer srv.Stop(ctx)
package admin
