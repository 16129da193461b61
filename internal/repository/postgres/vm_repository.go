package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/CanuteTheGreat/horcrux-sub008/internal/domain"
)

// VMRepository implements the VM inventory using PostgreSQL.
type VMRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewVMRepository creates a new PostgreSQL VM repository.
func NewVMRepository(db *DB, logger *zap.Logger) *VMRepository {
	return &VMRepository{
		db:     db,
		logger: logger.With(zap.String("repository", "vm")),
	}
}

// Create stores a new virtual machine.
func (r *VMRepository) Create(ctx context.Context, vm *domain.VirtualMachine) (*domain.VirtualMachine, error) {
	if vm.ID == "" {
		vm.ID = uuid.New().String()
	}

	specJSON, err := json.Marshal(vm.Spec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal spec: %w", err)
	}

	query := `
		INSERT INTO virtual_machines (
			id, name, architecture, spec, state, node_id, status_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`
	err = r.db.pool.QueryRow(ctx, query,
		vm.ID,
		vm.Name,
		string(vm.Architecture),
		specJSON,
		string(vm.Status.State),
		nullString(vm.Status.NodeID),
		vm.Status.Message,
	).Scan(&vm.CreatedAt, &vm.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to insert VM: %w", err)
	}

	r.logger.Info("Created VM", zap.String("id", vm.ID), zap.String("name", vm.Name))
	return vm, nil
}

// Get retrieves a virtual machine by ID.
func (r *VMRepository) Get(ctx context.Context, id string) (*domain.VirtualMachine, error) {
	row := r.db.pool.QueryRow(ctx, selectVM+` WHERE id = $1`, id)
	vm, err := scanVM(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get VM: %w", err)
	}
	return vm, nil
}

// ListByNode returns the VMs placed on a node.
func (r *VMRepository) ListByNode(ctx context.Context, nodeID string) ([]*domain.VirtualMachine, error) {
	rows, err := r.db.pool.Query(ctx, selectVM+` WHERE node_id = $1 ORDER BY name`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list VMs by node: %w", err)
	}
	defer rows.Close()

	var vms []*domain.VirtualMachine
	for rows.Next() {
		vm, err := scanVM(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan VM: %w", err)
		}
		vms = append(vms, vm)
	}
	return vms, rows.Err()
}

// UpdateStatus sets the runtime status of a VM.
func (r *VMRepository) UpdateStatus(ctx context.Context, id string, status domain.VMStatus) error {
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE virtual_machines
		SET state = $2, node_id = $3, status_message = $4, updated_at = NOW()
		WHERE id = $1
	`, id, string(status.State), nullString(status.NodeID), status.Message)
	if err != nil {
		return fmt.Errorf("failed to update VM status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const selectVM = `
	SELECT id, name, architecture, spec, state, node_id, status_message,
	       created_at, updated_at
	FROM virtual_machines
`

func scanVM(row pgx.Row) (*domain.VirtualMachine, error) {
	vm := &domain.VirtualMachine{}
	var specJSON []byte
	var arch, state string
	var nodeID *string

	err := row.Scan(
		&vm.ID,
		&vm.Name,
		&arch,
		&specJSON,
		&state,
		&nodeID,
		&vm.Status.Message,
		&vm.CreatedAt,
		&vm.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	vm.Architecture = domain.Architecture(arch)
	vm.Status.State = domain.VMState(state)
	if nodeID != nil {
		vm.Status.NodeID = *nodeID
	}
	if err := json.Unmarshal(specJSON, &vm.Spec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal spec: %w", err)
	}
	return vm, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
