// Package storage provides the local key-value storage used by a cache
// node. Entries carry an optional expiry so that lock keys and records
// written with a TTL disappear on their own.
package storage
