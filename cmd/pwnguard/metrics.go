package main

import (
	"context"
	"errors"
	"net/http"

	"k8s.io/klog/v2"
)

// serveMetrics starts the Prometheus metrics listener in the
// background and returns a shutdown function. Collectors are
// registered by the packages that own them (internal/builder,
// internal/queryserver); this only exposes the default registry.
func serveMetrics(ctx context.Context, addr string, handler http.Handler) func() error {
	srv := &http.Server{Addr: addr, Handler: handler}

	go func() {
		klog.Infof("metrics listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Errorf("metrics server: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	return srv.Close
}
