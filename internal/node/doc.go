// Package node implements the cache-node protocol: per-key GET, SET with
// optional TTL, SET-if-absent, DELETE and COMPARE-AND-DELETE.
//
// Three implementations are provided. Local wraps an in-process
// storage.Store and supports fault injection for tests. Remote talks to a
// Server over gRPC. Redis uses a Redis instance as the node.
package node
