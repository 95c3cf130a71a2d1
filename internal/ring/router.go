package ring

import "strings"

// Router maps keys to the shard of nodes responsible for them.
type Router struct {
	ring      *Ring
	shardSize int
}

// NewRouter returns a router choosing shardSize nodes per key. A shardSize
// that is <= 0 or larger than the ring means every node.
func NewRouter(r *Ring, shardSize int) *Router {
	return &Router{ring: r, shardSize: shardSize}
}

// ShardSize returns the effective number of nodes per shard.
func (rt *Router) ShardSize() int {
	n := rt.ring.Len()
	if rt.shardSize <= 0 || rt.shardSize > n {
		return n
	}
	return rt.shardSize
}

// Route returns the ids of the nodes holding key. Nodes are taken from the
// key's preference list round-robin across regions, so a shard spans as
// many regions as it can.
func (rt *Router) Route(key string) []string {
	size := rt.ShardSize()
	prefs := rt.ring.PreferenceList(HashTag(key), rt.ring.Len())
	if size > len(prefs) {
		size = len(prefs)
	}

	var order []string
	byRegion := make(map[string][]string)
	for _, n := range prefs {
		if _, ok := byRegion[n.Region]; !ok {
			order = append(order, n.Region)
		}
		byRegion[n.Region] = append(byRegion[n.Region], n.ID)
	}

	ids := make([]string, 0, size)
	for round := 0; len(ids) < size; round++ {
		for _, region := range order {
			if round < len(byRegion[region]) && len(ids) < size {
				ids = append(ids, byRegion[region][round])
			}
		}
	}
	return ids
}

// HashTag returns the part of key used for placement: the contents of the
// first non-empty {...} group, or the whole key.
func HashTag(key string) string {
	start := strings.IndexByte(key, '{')
	if start < 0 {
		return key
	}
	end := strings.IndexByte(key[start+1:], '}')
	if end <= 0 {
		return key
	}
	return key[start+1 : start+1+end]
}
