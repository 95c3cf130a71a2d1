package ring

import (
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultVNodes is the number of virtual nodes per physical node.
const DefaultVNodes = 128

// Node is a physical cache node placed on the ring.
type Node struct {
	ID     string
	Region string
}

type vnode struct {
	hash   uint64
	nodeID string
}

// Ring implements consistent hashing with virtual nodes.
type Ring struct {
	mu            sync.RWMutex
	vnodesPerNode int
	vnodes        []vnode
	nodes         map[string]Node
}

// NewRing creates an empty ring.
func NewRing(vnodesPerNode int) *Ring {
	if vnodesPerNode <= 0 {
		vnodesPerNode = DefaultVNodes
	}
	return &Ring{
		vnodesPerNode: vnodesPerNode,
		nodes:         make(map[string]Node),
	}
}

// SetNodes rebuilds the ring with the given nodes.
// The result depends only on the set of node ids, not their order.
func (r *Ring) SetNodes(nodes []Node) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nodes = make(map[string]Node, len(nodes))
	r.vnodes = make([]vnode, 0, len(nodes)*r.vnodesPerNode)
	for _, n := range nodes {
		if _, dup := r.nodes[n.ID]; dup {
			continue
		}
		r.nodes[n.ID] = n
		r.vnodes = append(r.vnodes, r.vnodesFor(n.ID)...)
	}
	r.sortVNodes()
}

// AddNode adds a node to the ring. Adding a known id is a no-op.
func (r *Ring) AddNode(n Node) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[n.ID]; exists {
		return
	}
	r.nodes[n.ID] = n
	r.vnodes = append(r.vnodes, r.vnodesFor(n.ID)...)
	r.sortVNodes()
}

// RemoveNode removes a node from the ring.
func (r *Ring) RemoveNode(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[nodeID]; !exists {
		return
	}
	delete(r.nodes, nodeID)

	kept := r.vnodes[:0]
	for _, v := range r.vnodes {
		if v.nodeID != nodeID {
			kept = append(kept, v)
		}
	}
	r.vnodes = kept
}

// ResponsibleNode returns the first node clockwise from the key's hash.
// Returns false if the ring is empty.
func (r *Ring) ResponsibleNode(key string) (Node, bool) {
	list := r.PreferenceList(key, 1)
	if len(list) == 0 {
		return Node{}, false
	}
	return list[0], true
}

// PreferenceList returns up to k distinct nodes walking clockwise from the
// key's position.
func (r *Ring) PreferenceList(key string, k int) []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.vnodes) == 0 || k <= 0 {
		return nil
	}

	h := xxhash.Sum64String(key)
	idx := sort.Search(len(r.vnodes), func(i int) bool {
		return r.vnodes[i].hash >= h
	})

	seen := make(map[string]bool, k)
	result := make([]Node, 0, k)
	for i := 0; i < len(r.vnodes) && len(result) < k; i++ {
		id := r.vnodes[(idx+i)%len(r.vnodes)].nodeID
		if seen[id] {
			continue
		}
		seen[id] = true
		result = append(result, r.nodes[id])
	}
	return result
}

// Nodes returns all nodes on the ring sorted by id.
func (r *Ring) Nodes() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// Len returns the number of physical nodes.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

func (r *Ring) vnodesFor(nodeID string) []vnode {
	vs := make([]vnode, r.vnodesPerNode)
	for i := range vs {
		vs[i] = vnode{
			hash:   xxhash.Sum64String(nodeID + "#" + strconv.Itoa(i)),
			nodeID: nodeID,
		}
	}
	return vs
}

func (r *Ring) sortVNodes() {
	sort.Slice(r.vnodes, func(i, j int) bool {
		if r.vnodes[i].hash == r.vnodes[j].hash {
			return r.vnodes[i].nodeID < r.vnodes[j].nodeID
		}
		return r.vnodes[i].hash < r.vnodes[j].hash
	})
}
