package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Remote is a Node reached over gRPC. The connection is owned by whoever
// created it (usually a ClientManager), so Close does not close it.
type Remote struct {
	id   string
	conn grpc.ClientConnInterface
}

var _ Node = (*Remote)(nil)

// NewRemote creates a node client over conn.
func NewRemote(id string, conn grpc.ClientConnInterface) *Remote {
	return &Remote{id: id, conn: conn}
}

// ID returns the node id.
func (r *Remote) ID() string { return r.id }

// Get returns the value for key.
func (r *Remote) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := r.invoke(ctx, "Get", map[string]any{fieldKey: key})
	if err != nil {
		return nil, err
	}
	if !boolField(resp, fieldFound) {
		return nil, ErrNotFound
	}
	return bytesField(resp, fieldValue)
}

// Set stores value under key.
func (r *Remote) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := r.invoke(ctx, "Set", map[string]any{fieldKey: key, fieldValue: value, fieldTTL: ttl})
	return err
}

// SetNX stores value only if key is absent.
func (r *Remote) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	resp, err := r.invoke(ctx, "SetNX", map[string]any{fieldKey: key, fieldValue: value, fieldTTL: ttl})
	if err != nil {
		return false, err
	}
	return boolField(resp, fieldOK), nil
}

// Delete removes key.
func (r *Remote) Delete(ctx context.Context, key string) error {
	_, err := r.invoke(ctx, "Delete", map[string]any{fieldKey: key})
	return err
}

// CompareAndDelete removes key iff it holds expected.
func (r *Remote) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	resp, err := r.invoke(ctx, "CompareAndDelete", map[string]any{fieldKey: key, fieldExpected: expected})
	if err != nil {
		return false, err
	}
	return boolField(resp, fieldOK), nil
}

// Close is a no-op; see ClientManager.Close.
func (r *Remote) Close() error { return nil }

func (r *Remote) invoke(ctx context.Context, method string, fields map[string]any) (*structpb.Struct, error) {
	req, err := newMessage(fields)
	if err != nil {
		return nil, fmt.Errorf("node %s: build %s request: %w", r.id, method, err)
	}

	resp := new(structpb.Struct)
	if err := r.conn.Invoke(ctx, "/"+serviceName+"/"+method, req, resp); err != nil {
		return nil, r.mapError(method, err)
	}
	return resp, nil
}

func (r *Remote) mapError(method string, err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, r.id, method, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, r.id, method, err)
	}
	return fmt.Errorf("node %s %s: %w", r.id, method, err)
}
