// Package cache holds a worker's in-flight updates. Setting a key that is
// already cached merges instead of overwriting; evicting or expiring a key
// ends the worker's session on that resource.
package cache
