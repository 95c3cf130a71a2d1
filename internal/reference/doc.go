// Package reference keeps the distributed reference record of a resource:
// which processes hold interest in it and which partial payloads departed
// holders left behind.
//
// Every mutation runs under the resource's lock and writes through a quorum
// commit, so concurrent processes observe one serial history per resource.
// The holder that leaves the set empty receives every cached payload and is
// the one that must flush.
package reference
