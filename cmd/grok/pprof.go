//go:build pprof

package main

import (
	"context"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strings"
)

var pprofServer *http.Server

func initPprof() {
	addr := os.Getenv("GROK_PPROF_ADDR")
	if addr == "" {
		addr = DefaultPprofAddr
	}
	if !strings.HasPrefix(addr, "127.0.0.1:") && !strings.HasPrefix(addr, "localhost:") {
		cliLog.Printf("WARNING: pprof binding to %s exposes debug endpoints", addr)
	}
	pprofServer = &http.Server{
		Addr:         addr,
		ReadTimeout:  DefaultPprofReadTimeout,
		WriteTimeout: DefaultPprofWriteTimeout,
	}
	srv := pprofServer
	go func() {
		cliLog.Printf("pprof listening on http://%s/debug/pprof/", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			cliLog.Printf("pprof server error: %v", err)
		}
	}()
}

func stopPprof() {
	if pprofServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), DefaultPprofShutdownTimeout)
	defer cancel()
	if err := pprofServer.Shutdown(ctx); err != nil {
		cliLog.Printf("pprof shutdown error: %v", err)
	}
	pprofServer = nil
}
