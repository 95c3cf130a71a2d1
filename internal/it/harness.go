// Package it runs phonon against real cachenode processes. The tests skip
// unless a cachenode binary is available (PHONON_CACHENODE_BIN, or
// ./cachenode built with 'go build -o cachenode ./cmd/cachenode').
package it

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"phonon/internal/config"
	"phonon/internal/node"
)

// BinaryPath returns the cachenode binary to launch.
func BinaryPath() string {
	if p := os.Getenv("PHONON_CACHENODE_BIN"); p != "" {
		return p
	}
	return "./cachenode"
}

// Cluster is a set of cachenode processes grouped into regions.
type Cluster struct {
	mu         sync.Mutex
	nodes      []*Node
	logDir     string
	binaryPath string
	conns      *node.ClientManager
}

// Node is one running cachenode process.
type Node struct {
	ID      string
	Region  string
	Addr    string
	cmd     *exec.Cmd
	logFile *os.File
}

// NewCluster creates a harness that launches binaryPath and writes node
// logs under logDir.
func NewCluster(binaryPath, logDir string) (*Cluster, error) {
	if _, err := os.Stat(binaryPath); err != nil {
		return nil, fmt.Errorf("cachenode binary not found at %s: %w", binaryPath, err)
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &Cluster{logDir: logDir, binaryPath: binaryPath, conns: node.NewClientManager()}, nil
}

// StartRegions starts perRegion nodes in each region.
func (c *Cluster) StartRegions(ctx context.Context, regions []string, perRegion int) error {
	for _, r := range regions {
		for i := 1; i <= perRegion; i++ {
			if err := c.StartNode(ctx, fmt.Sprintf("%s-%d", r, i), r); err != nil {
				c.Stop()
				return err
			}
		}
	}
	return nil
}

// StartNode launches one node on a free local port and waits until it
// answers.
func (c *Cluster) StartNode(ctx context.Context, id, region string) error {
	addr, err := freeAddr()
	if err != nil {
		return err
	}
	n := &Node{ID: id, Region: region, Addr: addr}
	if err := c.launch(ctx, n); err != nil {
		return err
	}

	c.mu.Lock()
	c.nodes = append(c.nodes, n)
	c.mu.Unlock()
	return nil
}

func (c *Cluster) launch(ctx context.Context, n *Node) error {
	logFile, err := os.Create(filepath.Join(c.logDir, n.ID+".log"))
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.binaryPath,
		"--node-id", n.ID,
		"--listen", n.Addr,
		"--log-level", "debug",
	)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("failed to start node %s: %w", n.ID, err)
	}
	n.cmd = cmd
	n.logFile = logFile

	if err := c.waitForReady(ctx, n, 10*time.Second); err != nil {
		n.Stop()
		return fmt.Errorf("node %s failed to become ready: %w", n.ID, err)
	}
	return nil
}

// waitForReady polls the node with a read until it answers.
func (c *Cluster) waitForReady(ctx context.Context, n *Node, timeout time.Duration) error {
	remote, err := c.conns.Node(n.ID, n.Addr)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				return fmt.Errorf("timeout waiting for node %s to be ready", n.ID)
			}

			callCtx, cancel := context.WithTimeout(ctx, time.Second)
			_, err := remote.Get(callCtx, "ready")
			cancel()
			if errors.Is(err, node.ErrNotFound) {
				return nil
			}
		}
	}
}

// Config returns a fleet config naming every node of the cluster.
func (c *Cluster) Config() *config.Config {
	c.mu.Lock()
	defer c.mu.Unlock()

	cfg := config.Default()
	cfg.Regions = make(map[string][]string)
	for _, n := range c.nodes {
		cfg.Regions[n.Region] = append(cfg.Regions[n.Region], n.ID+"@"+n.Addr)
	}
	return &cfg
}

// KillNode kills a node's process.
func (c *Cluster) KillNode(id string) error {
	n := c.node(id)
	if n == nil {
		return fmt.Errorf("node %s not found", id)
	}
	n.Stop()
	return nil
}

// RestartNode starts a killed node again on its old address. Its data is
// gone.
func (c *Cluster) RestartNode(ctx context.Context, id string) error {
	n := c.node(id)
	if n == nil {
		return fmt.Errorf("node %s not found", id)
	}
	n.Stop()
	return c.launch(ctx, n)
}

func (c *Cluster) node(id string) *Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// Stop stops every node and closes the readiness connections.
func (c *Cluster) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, n := range c.nodes {
		n.Stop()
	}
	c.nodes = nil
	c.conns.Close()
}

// Stop kills the node's process.
func (n *Node) Stop() {
	if n.cmd != nil && n.cmd.Process != nil {
		n.cmd.Process.Kill()
		n.cmd.Wait()
		n.cmd = nil
	}
	if n.logFile != nil {
		n.logFile.Close()
		n.logFile = nil
	}
}

func freeAddr() (string, error) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("failed to find a free port: %w", err)
	}
	defer lis.Close()
	return lis.Addr().String(), nil
}
