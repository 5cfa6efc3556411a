// Copyright 2026 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package tool

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/google/afltrace/pkg/log"
	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServeMetrics exports registered pkg/stat metrics on addr/metrics until ctx is cancelled.
// An empty addr disables the endpoint.
func ServeMetrics(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return serveMetrics(ctx, ln)
}

func serveMetrics(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Handler: handlers.CompressHandler(handlers.LoggingHandler(log.VerboseWriter(2), mux)),
	}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	log.Logf(0, "serving metrics on http://%v/metrics", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
