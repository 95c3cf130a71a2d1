// Package heartbeat tracks the liveness of worker processes through a shared
// heartbeat table kept on the cache-node fleet.
//
// Each Monitor writes its own beat every interval and classifies the other
// processes in the table by the age of their last beat. A process silent for
// five intervals is declared dead and reported once, so its references can be
// recovered by a live process.
package heartbeat
