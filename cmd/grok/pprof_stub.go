//go:build !pprof

package main

func initPprof() {
	cliLog.Printf("WARNING: pprof not available (build with -tags pprof)")
}

func stopPprof() {}
