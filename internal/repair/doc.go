// Package repair decides the value of a key from the answers of several
// cache nodes and converges the nodes that disagreed with the majority.
package repair
