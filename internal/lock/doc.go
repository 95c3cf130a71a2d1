// Package lock implements a Redlock-style mutual exclusion lock over a
// quorum of independent cache nodes.
//
// A lock is a random token stored with a TTL on a quorum of the key's shard.
// It is held only while its validity window is open: the TTL minus the time
// spent acquiring it minus an allowance for clock drift. Release deletes the
// token only where it is still ours, so releasing a lock that expired and was
// taken by someone else is harmless.
package lock
