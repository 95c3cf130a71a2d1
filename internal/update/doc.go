// Package update defines the unit of partial aggregate state that workers
// merge locally and hand between each other through the node fleet.
//
// An Update must merge order-independently: cached payloads from departed
// holders are folded into the last holder's update in whatever order they
// were left behind. Only the last holder calls Execute.
package update
