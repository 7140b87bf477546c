package config

import (
	"strings"
)

// Environment identifies the runtime environment where Relay operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// TransportKind selects the subscribe transport.
type TransportKind string

const (
	TransportHTTP      TransportKind = "http"
	TransportWebsocket TransportKind = "websocket"
)

// StoreKind selects where the delivered cursor is kept between runs.
type StoreKind string

const (
	StoreNone     StoreKind = "none"
	StoreMemory   StoreKind = "memory"
	StorePebble   StoreKind = "pebble"
	StorePostgres StoreKind = "postgres"
)

func normalizeIdentifier(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
