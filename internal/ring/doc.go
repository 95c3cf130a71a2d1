// Package ring places cache nodes on a consistent-hash ring with virtual
// nodes and routes resource keys to the shard of nodes that stores them.
//
// Keys are routed by their hash tag: the text between the first '{' and the
// following '}'. All keys belonging to one resource (its lock, its reference
// record, its cached payloads) share a tag and therefore a shard.
package ring
