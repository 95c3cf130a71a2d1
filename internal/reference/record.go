package reference

import (
	"sort"
	"strconv"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// DefaultNamespace prefixes every key written by this package.
const DefaultNamespace = "phonon"

// Record is the stored state of a reference.
type Record struct {
	// Holders maps process ids to the unix milliseconds of their last
	// registration or refresh.
	Holders map[string]int64 `msgpack:"holders"`
	// CacheCount is the number of payloads cached since the holder set was
	// last empty. Payload i lives under PayloadKey(i).
	CacheCount int `msgpack:"cache_count"`
}

func decodeRecord(data []byte) (*Record, error) {
	rec := &Record{}
	if err := msgpack.Unmarshal(data, rec); err != nil {
		return nil, err
	}
	if rec.Holders == nil {
		rec.Holders = make(map[string]int64)
	}
	return rec, nil
}

func (r *Record) encode() ([]byte, error) {
	return msgpack.Marshal(r)
}

// prune drops holders not refreshed within sessionTTL and returns them.
func (r *Record) prune(now time.Time, sessionTTL time.Duration) []string {
	if sessionTTL <= 0 {
		return nil
	}
	cutoff := now.Add(-sessionTTL).UnixMilli()

	var dropped []string
	for pid, seen := range r.Holders {
		if seen < cutoff {
			delete(r.Holders, pid)
			dropped = append(dropped, pid)
		}
	}
	sort.Strings(dropped)
	return dropped
}

func (r *Record) holderIDs() []string {
	ids := make([]string, 0, len(r.Holders))
	for pid := range r.Holders {
		ids = append(ids, pid)
	}
	sort.Strings(ids)
	return ids
}

// Keys addresses the cache-node keys of one resource. All of them share the
// resource as hash tag and so land on the same shard.
type Keys struct {
	Namespace string
	Resource  string
}

func (k Keys) prefix() string {
	ns := k.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	return ns + ":{" + k.Resource + "}"
}

// RecordKey is where the Record is stored.
func (k Keys) RecordKey() string { return k.prefix() + ":ref" }

// LockKey is the key of the resource's lock.
func (k Keys) LockKey() string { return k.prefix() + ":lock" }

// PayloadKey is where the i-th cached payload is stored.
func (k Keys) PayloadKey(i int) string { return k.prefix() + ":payload:" + strconv.Itoa(i) }
