package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/CanuteTheGreat/horcrux-sub008/internal/domain"
)

// NodeRepository implements node persistence using PostgreSQL.
type NodeRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewNodeRepository creates a new PostgreSQL node repository.
func NewNodeRepository(db *DB, logger *zap.Logger) *NodeRepository {
	return &NodeRepository{
		db:     db,
		logger: logger.With(zap.String("repository", "node")),
	}
}

// Create stores a new node.
func (r *NodeRepository) Create(ctx context.Context, node *domain.Node) (*domain.Node, error) {
	query := `
		INSERT INTO nodes (
			id, hostname, address, status, failover_priority, architecture,
			cpu_cores, memory_total_bytes, is_local, last_heartbeat
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`
	err := r.db.pool.QueryRow(ctx, query,
		node.ID,
		node.Hostname,
		node.Address,
		string(node.Status),
		node.FailoverPriority,
		string(node.Architecture),
		node.CPUCores,
		node.MemoryTotalBytes,
		node.IsLocal,
		node.LastHeartbeat,
	).Scan(&node.CreatedAt, &node.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to insert node: %w", err)
	}

	r.logger.Info("Created node", zap.String("id", node.ID), zap.String("hostname", node.Hostname))
	return node, nil
}

// Get retrieves a node by ID.
func (r *NodeRepository) Get(ctx context.Context, id string) (*domain.Node, error) {
	row := r.db.pool.QueryRow(ctx, selectNode+` WHERE id = $1`, id)
	node, err := scanNode(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}
	return node, nil
}

// List returns all nodes.
func (r *NodeRepository) List(ctx context.Context) ([]*domain.Node, error) {
	rows, err := r.db.pool.Query(ctx, selectNode+` ORDER BY hostname`)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*domain.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// UpdateStatus sets the membership status of a node.
func (r *NodeRepository) UpdateStatus(ctx context.Context, id string, status domain.NodeStatus) error {
	tag, err := r.db.pool.Exec(ctx,
		`UPDATE nodes SET status = $2, updated_at = NOW() WHERE id = $1`,
		id, string(status),
	)
	if err != nil {
		return fmt.Errorf("failed to update node status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Heartbeat records a heartbeat for a node.
func (r *NodeRepository) Heartbeat(ctx context.Context, id string) error {
	tag, err := r.db.pool.Exec(ctx,
		`UPDATE nodes SET last_heartbeat = NOW(), updated_at = NOW() WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const selectNode = `
	SELECT id, hostname, address, status, failover_priority, architecture,
	       cpu_cores, memory_total_bytes, is_local, created_at, updated_at,
	       last_heartbeat
	FROM nodes
`

func scanNode(row pgx.Row) (*domain.Node, error) {
	node := &domain.Node{}
	var status, arch string
	var lastHeartbeat *time.Time

	err := row.Scan(
		&node.ID,
		&node.Hostname,
		&node.Address,
		&status,
		&node.FailoverPriority,
		&arch,
		&node.CPUCores,
		&node.MemoryTotalBytes,
		&node.IsLocal,
		&node.CreatedAt,
		&node.UpdatedAt,
		&lastHeartbeat,
	)
	if err != nil {
		return nil, err
	}

	node.Status = domain.NodeStatus(status)
	node.Architecture = domain.Architecture(arch)
	node.LastHeartbeat = lastHeartbeat
	return node, nil
}
