// Package database persists chat messages in PostgreSQL.
//
// Uses pgx for connection pooling and tern for embedded migrations. MessageRepo
// implements domain.MessageStore behind a circuit breaker; MemoryStore is the
// in-process fallback used when no database is configured.
package database
