package update

import (
	"bytes"
	"context"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Envelope is the wire form of an Update cached on the node fleet.
type Envelope struct {
	ID    string         `msgpack:"id"`
	Spec  map[string]any `msgpack:"spec,omitempty"`
	Doc   map[string]any `msgpack:"doc,omitempty"`
	State map[string]any `msgpack:"state,omitempty"`
}

// Factory rebuilds an Update from a decoded envelope.
type Factory func(env Envelope) (Update, error)

// Codec converts updates to and from cached payloads.
type Codec struct {
	factory Factory
}

// NewCodec returns a Codec that rebuilds updates with factory.
func NewCodec(factory Factory) *Codec {
	return &Codec{factory: factory}
}

// Encode serializes u.
func (c *Codec) Encode(u Update) ([]byte, error) {
	data, err := msgpack.Marshal(&Envelope{
		ID:    u.ID(),
		Spec:  u.Spec(),
		Doc:   u.Doc(),
		State: u.State(),
	})
	if err != nil {
		return nil, fmt.Errorf("update: encode %s: %w", u.ID(), err)
	}
	return data, nil
}

// Decode rebuilds an Update from a payload. Integers decode as int64 or
// uint64 and floats as float64; see Int64 and Float64.
func (c *Codec) Decode(data []byte) (Update, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("update: decode: %w", err)
	}
	return c.factory(env)
}

// MergeInto decodes each payload and merges it into u.
func (c *Codec) MergeInto(u Update, payloads [][]byte) error {
	for i, p := range payloads {
		other, err := c.Decode(p)
		if err != nil {
			return fmt.Errorf("payload %d: %w", i, err)
		}
		u.Merge(other)
	}
	return nil
}

// Flush merges payloads left behind for resource by departed holders and
// persists the result. It has the shape of a process flush callback, for
// references a process was the last holder of without a local update.
func (c *Codec) Flush(ctx context.Context, resource string, payloads [][]byte) error {
	if len(payloads) == 0 {
		return nil
	}
	u, err := c.Decode(payloads[0])
	if err != nil {
		return fmt.Errorf("flush %s: %w", resource, err)
	}
	if err := c.MergeInto(u, payloads[1:]); err != nil {
		return fmt.Errorf("flush %s: %w", resource, err)
	}
	return Persist(ctx, u)
}
