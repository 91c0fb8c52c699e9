package main

import "time"

// Default configuration constants for cmd/grok.
const (
	// -------------------------------------------------------------------------
	// Search
	// -------------------------------------------------------------------------

	// DefaultSuggestLimit is the number of completions printed by suggest.
	DefaultSuggestLimit = 10

	// DefaultMessageWidth truncates commit messages in history output.
	DefaultMessageWidth = 60

	// DefaultTokenField is the field listed by tokens.
	DefaultTokenField = "full"

	// XrefURLPrefix and MoreURLPrefix prefix the links in --html output.
	XrefURLPrefix = "/xref"
	MoreURLPrefix = "/more"

	// -------------------------------------------------------------------------
	// Repositories
	// -------------------------------------------------------------------------

	// DefaultDiscoverTimeout bounds repository discovery at startup.
	DefaultDiscoverTimeout = 2 * time.Minute

	// -------------------------------------------------------------------------
	// Pprof debug server
	// -------------------------------------------------------------------------

	DefaultPprofAddr            = "localhost:6060"
	DefaultPprofReadTimeout     = 30 * time.Second
	DefaultPprofWriteTimeout    = 60 * time.Second
	DefaultPprofShutdownTimeout = 2 * time.Second
)
