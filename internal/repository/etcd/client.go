// Package etcd provides cluster coordination: leader election for the
// failover loop and distributed locks guarding migration admission.
package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	"github.com/CanuteTheGreat/horcrux-sub008/internal/config"
)

// ErrKeyNotFound indicates the key was not found in etcd.
var ErrKeyNotFound = errors.New("key not found")

// Client wraps an etcd client with leader election and distributed locking.
type Client struct {
	client  *clientv3.Client
	session *concurrency.Session
	logger  *zap.Logger
}

// NewClient connects to etcd and opens a coordination session.
func NewClient(cfg config.EtcdConfig, logger *zap.Logger) (*Client, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	session, err := concurrency.NewSession(client, concurrency.WithTTL(30))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create etcd session: %w", err)
	}

	logger.Info("Connected to etcd", zap.Strings("endpoints", cfg.Endpoints))

	return &Client{
		client:  client,
		session: session,
		logger:  logger,
	}, nil
}

// Close closes the etcd client and session.
func (c *Client) Close() error {
	if c.session != nil {
		c.session.Close()
	}
	return c.client.Close()
}

// Health checks if etcd is reachable.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := c.client.Status(ctx, c.client.Endpoints()[0])
	return err
}

// =============================================================================
// Key-Value Operations
// =============================================================================

// Put stores a JSON-encoded value in etcd.
func (c *Client) Put(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	_, err = c.client.Put(ctx, key, string(data))
	if err != nil {
		return fmt.Errorf("failed to put key: %w", err)
	}

	return nil
}

// Get retrieves a JSON-encoded value from etcd.
func (c *Client) Get(ctx context.Context, key string, dest interface{}) error {
	resp, err := c.client.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to get key: %w", err)
	}

	if len(resp.Kvs) == 0 {
		return ErrKeyNotFound
	}

	return json.Unmarshal(resp.Kvs[0].Value, dest)
}

// Delete removes a key from etcd.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.client.Delete(ctx, key)
	return err
}

// =============================================================================
// Distributed Locking
// =============================================================================

// Lock represents a distributed lock held under the client session.
type Lock struct {
	mutex *concurrency.Mutex
}

// AcquireLock acquires a distributed lock, blocking until it is held or the
// context is cancelled.
func (c *Client) AcquireLock(ctx context.Context, key string) (*Lock, error) {
	mutex := concurrency.NewMutex(c.session, fmt.Sprintf("/locks/%s", key))

	if err := mutex.Lock(ctx); err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	c.logger.Debug("Acquired lock", zap.String("key", key))

	return &Lock{mutex: mutex}, nil
}

// AcquireVMLock takes the per-VM admission lock. Holding it while validating
// and creating a migration job keeps two control-plane instances from
// admitting concurrent migrations for the same VM.
func (c *Client) AcquireVMLock(ctx context.Context, vmID string, timeout time.Duration) (*Lock, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return c.AcquireLock(ctx, fmt.Sprintf("migration/vm/%s", vmID))
}

// Unlock releases a distributed lock.
func (l *Lock) Unlock(ctx context.Context) error {
	if l.mutex == nil {
		return nil
	}
	return l.mutex.Unlock(ctx)
}

// =============================================================================
// Leader Election
// =============================================================================

// Leader represents a leader election participant. The failover loop consults
// IsLeader so only one control-plane instance evacuates nodes.
type Leader struct {
	election *concurrency.Election
	client   *Client
	name     string
	isLeader atomic.Bool
}

// LeaderCallback is called when leadership status changes.
type LeaderCallback func(isLeader bool)

// CampaignForLeader starts a leader election campaign in the background.
func (c *Client) CampaignForLeader(ctx context.Context, name string, callback LeaderCallback) (*Leader, error) {
	election := concurrency.NewElection(c.session, fmt.Sprintf("/leaders/%s", name))

	leader := &Leader{
		election: election,
		client:   c,
		name:     name,
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
				if err := election.Campaign(ctx, fmt.Sprintf("%d", c.session.Lease())); err != nil {
					if ctx.Err() != nil {
						return
					}
					c.logger.Warn("Leader campaign failed, retrying", zap.Error(err))
					time.Sleep(5 * time.Second)
					continue
				}

				leader.isLeader.Store(true)
				c.logger.Info("Became leader", zap.String("name", name))
				if callback != nil {
					callback(true)
				}

				// Hold leadership until the session expires or we shut down.
				select {
				case <-ctx.Done():
					return
				case <-c.session.Done():
					leader.isLeader.Store(false)
					c.logger.Info("Lost leadership", zap.String("name", name))
					if callback != nil {
						callback(false)
					}
					return
				}
			}
		}
	}()

	return leader, nil
}

// IsLeader returns true if this instance currently holds leadership.
func (l *Leader) IsLeader() bool {
	return l.isLeader.Load()
}

// Resign gives up leadership voluntarily.
func (l *Leader) Resign(ctx context.Context) error {
	if l.election == nil || !l.isLeader.Load() {
		return nil
	}

	if err := l.election.Resign(ctx); err != nil {
		return fmt.Errorf("failed to resign: %w", err)
	}

	l.isLeader.Store(false)
	l.client.logger.Info("Resigned from leadership", zap.String("name", l.name))
	return nil
}

// GetLeader returns the current leader's campaign value.
func (c *Client) GetLeader(ctx context.Context, name string) (string, error) {
	election := concurrency.NewElection(c.session, fmt.Sprintf("/leaders/%s", name))

	resp, err := election.Leader(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get leader: %w", err)
	}

	if len(resp.Kvs) == 0 {
		return "", ErrKeyNotFound
	}

	return string(resp.Kvs[0].Value), nil
}

// =============================================================================
// Control-Plane Instance Registry
// =============================================================================

// InstanceState describes a control-plane instance in the cluster.
type InstanceState struct {
	ID       string    `json:"id"`
	Hostname string    `json:"hostname"`
	Address  string    `json:"address"`
	LastSeen time.Time `json:"last_seen"`
}

// RegisterInstance announces this control-plane instance to peers.
func (c *Client) RegisterInstance(ctx context.Context, state InstanceState) error {
	state.LastSeen = time.Now()
	key := fmt.Sprintf("/controlplane/%s", state.ID)
	return c.Put(ctx, key, state)
}

// GetInstances returns all registered control-plane instances.
func (c *Client) GetInstances(ctx context.Context) ([]InstanceState, error) {
	resp, err := c.client.Get(ctx, "/controlplane/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to get instances: %w", err)
	}

	var instances []InstanceState
	for _, kv := range resp.Kvs {
		var state InstanceState
		if err := json.Unmarshal(kv.Value, &state); err != nil {
			c.logger.Warn("Failed to unmarshal instance state", zap.Error(err))
			continue
		}
		instances = append(instances, state)
	}

	return instances, nil
}

// DeregisterInstance removes this instance from the registry.
func (c *Client) DeregisterInstance(ctx context.Context, id string) error {
	return c.Delete(ctx, fmt.Sprintf("/controlplane/%s", id))
}
