package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/agentstack/htm/pkg/models"
)

// RegisterRobot returns the robot with the given name, creating it on
// first use. Idempotent on name: repeated registration returns the same id.
func (l *LongTerm) RegisterRobot(ctx context.Context, name string) (*models.Robot, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty robot name", ErrInvalidInput)
	}

	qctx, cancel := l.store.StatementContext(ctx)
	defer cancel()

	robot := &models.Robot{}
	err := l.store.Pool().QueryRow(qctx, `
		SELECT id, name, metadata, created_at, last_active
		FROM robots WHERE name = $1
		ORDER BY id LIMIT 1`, name).
		Scan(&robot.ID, &robot.Name, &robot.Metadata, &robot.CreatedAt, &robot.LastActive)
	if err == nil {
		return robot, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, wrapStoreErr(err)
	}

	err = l.store.Pool().QueryRow(qctx, `
		INSERT INTO robots (name) VALUES ($1)
		RETURNING id, name, metadata, created_at, last_active`, name).
		Scan(&robot.ID, &robot.Name, &robot.Metadata, &robot.CreatedAt, &robot.LastActive)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return robot, nil
}

// TouchRobot refreshes a robot's last_active timestamp.
func (l *LongTerm) TouchRobot(ctx context.Context, robotID int64) error {
	qctx, cancel := l.store.StatementContext(ctx)
	defer cancel()

	_, err := l.store.Pool().Exec(qctx,
		`UPDATE robots SET last_active = now() WHERE id = $1`, robotID)
	return wrapStoreErr(err)
}

// LinkRobotToNode creates the robot↔node edge or increments its
// remember_count, setting the in_working_memory flag either way.
func (l *LongTerm) LinkRobotToNode(ctx context.Context, robotID, nodeID int64, inWorkingMemory bool) (*models.RobotNode, error) {
	qctx, cancel := l.store.StatementContext(ctx)
	defer cancel()

	edge, err := upsertEdgeRow(qctx, l.store.Pool(), robotID, nodeID, inWorkingMemory)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return edge, nil
}

// EnsureEdge creates the edge if missing, or updates only its
// in_working_memory flag when it exists. Unlike LinkRobotToNode it never
// bumps remember_count — used when mirroring peer state, which is not a
// remember.
func (l *LongTerm) EnsureEdge(ctx context.Context, robotID, nodeID int64, inWorkingMemory bool) error {
	qctx, cancel := l.store.StatementContext(ctx)
	defer cancel()

	_, err := l.store.Pool().Exec(qctx, `
		INSERT INTO robot_nodes (robot_id, node_id, in_working_memory)
		VALUES ($1, $2, $3)
		ON CONFLICT (robot_id, node_id) DO UPDATE
			SET in_working_memory = EXCLUDED.in_working_memory`,
		robotID, nodeID, inWorkingMemory)
	return wrapStoreErr(err)
}

// EdgeFor returns the robot↔node edge if it exists.
func (l *LongTerm) EdgeFor(ctx context.Context, robotID, nodeID int64) (*models.RobotNode, error) {
	qctx, cancel := l.store.StatementContext(ctx)
	defer cancel()

	edge := &models.RobotNode{}
	err := l.store.Pool().QueryRow(qctx, `
		SELECT robot_id, node_id, first_remembered_at, last_remembered_at,
		       remember_count, in_working_memory
		FROM robot_nodes WHERE robot_id = $1 AND node_id = $2`,
		robotID, nodeID).
		Scan(&edge.RobotID, &edge.NodeID, &edge.FirstRememberedAt,
			&edge.LastRememberedAt, &edge.RememberCount, &edge.InWorkingMemory)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: edge (%d,%d)", ErrNotFound, robotID, nodeID)
		}
		return nil, wrapStoreErr(err)
	}
	return edge, nil
}

// SetWorkingMemory flips the in_working_memory flag for the given edges.
func (l *LongTerm) SetWorkingMemory(ctx context.Context, robotID int64, nodeIDs []int64, in bool) error {
	if len(nodeIDs) == 0 {
		return nil
	}
	qctx, cancel := l.store.StatementContext(ctx)
	defer cancel()

	_, err := l.store.Pool().Exec(qctx, `
		UPDATE robot_nodes SET in_working_memory = $3
		WHERE robot_id = $1 AND node_id = ANY($2)`,
		robotID, nodeIDs, in)
	return wrapStoreErr(err)
}

// MarkEvicted clears the in_working_memory flag for the given nodes and
// writes one evict audit row per node.
func (l *LongTerm) MarkEvicted(ctx context.Context, robotID int64, nodeIDs []int64) error {
	if len(nodeIDs) == 0 {
		return nil
	}
	err := l.store.WithTx(ctx, func(txCtx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(txCtx, `
			UPDATE robot_nodes SET in_working_memory = false
			WHERE robot_id = $1 AND node_id = ANY($2)`,
			robotID, nodeIDs); err != nil {
			return err
		}
		for _, nodeID := range nodeIDs {
			id := nodeID
			if err := logOperationTx(txCtx, tx, models.OpEvict, &id, &robotID, nil); err != nil {
				return err
			}
		}
		return nil
	})
	return wrapStoreErr(err)
}

// WorkingSet returns the non-deleted nodes whose edge for the robot has
// in_working_memory set — the database's view of the robot's hot cache.
func (l *LongTerm) WorkingSet(ctx context.Context, robotID int64) ([]models.Node, error) {
	qctx, cancel := l.store.StatementContext(ctx)
	defer cancel()

	rows, err := l.store.Pool().Query(qctx, fmt.Sprintf(`
		SELECT %s FROM nodes n
		JOIN robot_nodes rn ON rn.node_id = n.id
		WHERE rn.robot_id = $1 AND rn.in_working_memory AND n.deleted_at IS NULL
		ORDER BY n.id`, prefixedNodeColumns("n")),
		robotID)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	defer rows.Close()

	var nodes []models.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, wrapStoreErr(err)
		}
		nodes = append(nodes, *n)
	}
	return nodes, wrapStoreErr(rows.Err())
}

// LogOperation appends one audit row outside any transaction.
func (l *LongTerm) LogOperation(ctx context.Context, op models.OperationKind, nodeID, robotID *int64, details map[string]any) error {
	qctx, cancel := l.store.StatementContext(ctx)
	defer cancel()

	raw, err := marshalDetails(details)
	if err != nil {
		return err
	}
	_, err = l.store.Pool().Exec(qctx, `
		INSERT INTO operations_log (operation, node_id, robot_id, details)
		VALUES ($1, $2, $3, $4::jsonb)`,
		string(op), nodeID, robotID, raw)
	return wrapStoreErr(err)
}

// RecentOperations returns the newest audit rows, newest first.
func (l *LongTerm) RecentOperations(ctx context.Context, limit int) ([]models.Operation, error) {
	if limit <= 0 {
		limit = 50
	}
	qctx, cancel := l.store.StatementContext(ctx)
	defer cancel()

	rows, err := l.store.Pool().Query(qctx, `
		SELECT id, ts, operation, node_id, robot_id, details
		FROM operations_log ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	defer rows.Close()

	var ops []models.Operation
	for rows.Next() {
		var op models.Operation
		var kind string
		if err := rows.Scan(&op.ID, &op.Timestamp, &kind, &op.NodeID, &op.RobotID, &op.Details); err != nil {
			return nil, wrapStoreErr(err)
		}
		op.Operation = models.OperationKind(kind)
		ops = append(ops, op)
	}
	return ops, wrapStoreErr(rows.Err())
}

// Stats summarises the store's contents.
type Stats struct {
	Nodes        int64 `json:"nodes"`
	DeletedNodes int64 `json:"deleted_nodes"`
	Robots       int64 `json:"robots"`
	Tags         int64 `json:"tags"`
	Edges        int64 `json:"edges"`
}

// Stats counts the store's rows.
func (l *LongTerm) Stats(ctx context.Context) (*Stats, error) {
	qctx, cancel := l.store.StatementContext(ctx)
	defer cancel()

	s := &Stats{}
	err := l.store.Pool().QueryRow(qctx, `
		SELECT
			(SELECT count(*) FROM nodes WHERE deleted_at IS NULL),
			(SELECT count(*) FROM nodes WHERE deleted_at IS NOT NULL),
			(SELECT count(*) FROM robots),
			(SELECT count(*) FROM tags),
			(SELECT count(*) FROM robot_nodes)`).
		Scan(&s.Nodes, &s.DeletedNodes, &s.Robots, &s.Tags, &s.Edges)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return s, nil
}

// --- shared helpers ---

// upsertEdge creates or bumps the robot↔node edge inside a transaction.
func upsertEdge(ctx context.Context, tx pgx.Tx, robotID, nodeID int64, inWorkingMemory bool) (*models.RobotNode, error) {
	return upsertEdgeRow(ctx, tx, robotID, nodeID, inWorkingMemory)
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func upsertEdgeRow(ctx context.Context, q rowQuerier, robotID, nodeID int64, inWorkingMemory bool) (*models.RobotNode, error) {
	edge := &models.RobotNode{}
	err := q.QueryRow(ctx, `
		INSERT INTO robot_nodes (robot_id, node_id, in_working_memory)
		VALUES ($1, $2, $3)
		ON CONFLICT (robot_id, node_id) DO UPDATE
			SET remember_count = robot_nodes.remember_count + 1,
			    last_remembered_at = now(),
			    in_working_memory = EXCLUDED.in_working_memory
		RETURNING robot_id, node_id, first_remembered_at, last_remembered_at,
		          remember_count, in_working_memory`,
		robotID, nodeID, inWorkingMemory).
		Scan(&edge.RobotID, &edge.NodeID, &edge.FirstRememberedAt,
			&edge.LastRememberedAt, &edge.RememberCount, &edge.InWorkingMemory)
	if err != nil {
		return nil, fmt.Errorf("upsert edge (%d,%d): %w", robotID, nodeID, err)
	}
	return edge, nil
}

func logOperationTx(ctx context.Context, tx pgx.Tx, op models.OperationKind, nodeID, robotID *int64, details map[string]any) error {
	raw, err := marshalDetails(details)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO operations_log (operation, node_id, robot_id, details)
		VALUES ($1, $2, $3, $4::jsonb)`,
		string(op), nodeID, robotID, raw); err != nil {
		return fmt.Errorf("log %s operation: %w", op, err)
	}
	return nil
}

func marshalDetails(details map[string]any) (string, error) {
	if details == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("marshal operation details: %w", err)
	}
	return string(raw), nil
}

// prefixedNodeColumns qualifies the node projection with a table alias.
func prefixedNodeColumns(alias string) string {
	cols := []string{"id", "content", "content_hash", "token_count", "metadata",
		"created_at", "updated_at", "last_accessed", "access_count", "deleted_at"}
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}
