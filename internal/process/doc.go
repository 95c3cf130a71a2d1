// Package process represents one worker process: its identity, the
// references it holds, and their orderly teardown.
//
// With heartbeats enabled a process also publishes the set of resources it
// holds, so that when it dies a live process can adopt those references and
// remove the dead holder from them.
package process
