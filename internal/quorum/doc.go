// Package quorum coordinates reads and writes across a fleet of independent
// cache nodes.
//
// Each key lives on a shard of nodes chosen by consistent hashing. A write
// counts only when a quorum of the shard acknowledges it; Commit applies a
// sequence of such writes and undoes every node-local change if any step
// misses its quorum. Reads are decided by majority vote and stale nodes are
// repaired in the background.
package quorum
