// Package main is the entry point for the arbiter orchestrator service: a
// multi-agent task coordinator that routes work to registered agents by
// measured performance and gates every operation through a constitutional
// policy layer.
//
// Usage:
//
//	./arbiter
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8080)
//	DATABASE_URL - PostgreSQL connection string (optional; registry is
//	  process-local without it)
//	MONGODB_URL - MongoDB audit sink (optional; wins over Postgres audits)
//	POLICY_FILE - startup policy/waiver-routing YAML (optional)
//	AUTH_JWT_SECRET - shared HS256 secret for credential validation (optional)
package main

import (
	"github.com/arbiterhq/arbiter/internal/arbiter"
)

func main() {
	arbiter.Run()
}
