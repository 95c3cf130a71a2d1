package node

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ClientManager manages gRPC connections to cache nodes.
type ClientManager struct {
	mu       sync.RWMutex
	conns    map[string]*grpc.ClientConn
	dialOpts []grpc.DialOption
}

// NewClientManager creates a new client manager. Without options,
// connections use insecure transport credentials.
func NewClientManager(opts ...grpc.DialOption) *ClientManager {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &ClientManager{
		conns:    make(map[string]*grpc.ClientConn),
		dialOpts: opts,
	}
}

// GetConn returns a connection for the given node address.
// Creates a new connection if one doesn't exist. Connections are lazy:
// an unreachable node surfaces as ErrUnavailable on first use.
func (cm *ClientManager) GetConn(addr string) (*grpc.ClientConn, error) {
	cm.mu.RLock()
	conn, exists := cm.conns[addr]
	cm.mu.RUnlock()

	if exists {
		return conn, nil
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	// Double-check after acquiring write lock
	if conn, exists := cm.conns[addr]; exists {
		return conn, nil
	}

	conn, err := grpc.NewClient(addr, cm.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	cm.conns[addr] = conn
	return conn, nil
}

// Node returns a Remote node for the given id and address.
func (cm *ClientManager) Node(id, addr string) (*Remote, error) {
	conn, err := cm.GetConn(addr)
	if err != nil {
		return nil, err
	}
	return NewRemote(id, conn), nil
}

// Close closes all client connections.
func (cm *ClientManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	var err error
	for addr, conn := range cm.conns {
		if cerr := conn.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close %s: %w", addr, cerr))
		}
	}
	cm.conns = make(map[string]*grpc.ClientConn)
	return err
}
