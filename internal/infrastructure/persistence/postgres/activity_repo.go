package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jobquest/progress-engine/internal/domain/activity"
	"github.com/jobquest/progress-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ACTIVITY REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// ActivityRepository implements activity.Repository using PostgreSQL.
type ActivityRepository struct {
	conn *Connection
}

// NewActivityRepository creates a new ActivityRepository.
func NewActivityRepository(conn *Connection) *ActivityRepository {
	return &ActivityRepository{conn: conn}
}

const activityColumns = `id, user_id, type, title, description, metadata, xp_earned, dimension, quantity, created_at`

// Append inserts a new activity row.
func (r *ActivityRepository) Append(ctx context.Context, a *activity.Activity) error {
	md, err := a.MarshalMetadata()
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = r.conn.Exec(ctx, `
		INSERT INTO activities (`+activityColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		a.ID, a.UserID, string(a.Type), a.Title, a.Description,
		md, a.XPEarned, a.Dimension, a.Quantity, a.CreatedAt,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return shared.WrapError("activity", "Append", shared.ErrAlreadyExists, "activity id collision", err)
		}
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// GetByID returns one activity.
func (r *ActivityRepository) GetByID(ctx context.Context, id string) (*activity.Activity, error) {
	row := r.conn.QueryRow(ctx, `SELECT `+activityColumns+` FROM activities WHERE id = $1`, id)
	a, err := scanActivity(row)
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrActivityNotFound
		}
		return nil, err
	}
	return a, nil
}

// ListByUser returns a user's activities, most recent first.
func (r *ActivityRepository) ListByUser(ctx context.Context, userID string, opts activity.ListOptions) ([]*activity.Activity, error) {
	var (
		where = []string{"user_id = $1"}
		args  = []interface{}{userID}
	)
	if !opts.Since.IsZero() {
		args = append(args, opts.Since)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !opts.Until.IsZero() {
		args = append(args, opts.Until)
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}
	if len(opts.Types) > 0 {
		types := make([]string, len(opts.Types))
		for i, t := range opts.Types {
			types[i] = string(t)
		}
		args = append(args, types)
		where = append(where, fmt.Sprintf("type = ANY($%d)", len(args)))
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	query := fmt.Sprintf(`SELECT %s FROM activities WHERE %s ORDER BY created_at DESC, id LIMIT $%d`,
		activityColumns, strings.Join(where, " AND "), len(args))

	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	out := make([]*activity.Activity, 0)
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Stats aggregates with one GROUP BY over the denormalized columns.
func (r *ActivityRepository) Stats(ctx context.Context, userID string, window *activity.Window) (activity.Stats, error) {
	query := `
		SELECT type, dimension, COUNT(*), COALESCE(SUM(quantity), 0)
		FROM activities
		WHERE user_id = $1`
	args := []interface{}{userID}
	if window != nil {
		query += ` AND created_at >= $2 AND created_at < $3`
		args = append(args, window.From, window.To)
	}
	query += ` GROUP BY type, dimension`

	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return activity.Stats{}, fmt.Errorf("aggregate activities: %w", err)
	}
	defer rows.Close()

	var groups []activity.StatRow
	for rows.Next() {
		var (
			row      activity.StatRow
			typ      string
			count    int64
			quantity int64
		)
		if err := rows.Scan(&typ, &row.Dimension, &count, &quantity); err != nil {
			return activity.Stats{}, fmt.Errorf("scan stat row: %w", err)
		}
		row.Type = activity.Type(typ)
		row.Count = int(count)
		row.Quantity = int(quantity)
		groups = append(groups, row)
	}
	if err := rows.Err(); err != nil {
		return activity.Stats{}, err
	}

	return activity.NewStats(groups), nil
}

// Annotate inserts the annotation if absent.
func (r *ActivityRepository) Annotate(ctx context.Context, ann activity.Annotation) error {
	_, err := r.conn.Exec(ctx, `
		INSERT INTO activity_annotations (activity_id, key, value, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (activity_id, key, value) DO NOTHING
	`, ann.ActivityID, ann.Key, ann.Value, ann.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert annotation: %w", err)
	}
	return nil
}

// Annotations returns every annotation of an activity in insertion order.
func (r *ActivityRepository) Annotations(ctx context.Context, activityID string) ([]activity.Annotation, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT activity_id, key, value, created_at
		FROM activity_annotations
		WHERE activity_id = $1
		ORDER BY created_at, key, value
	`, activityID)
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}
	defer rows.Close()

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (activity.Annotation, error) {
		var ann activity.Annotation
		err := row.Scan(&ann.ActivityID, &ann.Key, &ann.Value, &ann.CreatedAt)
		return ann, err
	})
}

func scanActivity(row pgx.Row) (*activity.Activity, error) {
	var (
		a         activity.Activity
		typ       string
		md        []byte
		xpEarned  *int32
		createdAt time.Time
		quantity  int32
	)
	if err := row.Scan(&a.ID, &a.UserID, &typ, &a.Title, &a.Description, &md, &xpEarned, &a.Dimension, &quantity, &createdAt); err != nil {
		return nil, err
	}

	metadata, err := activity.UnmarshalMetadata(md)
	if err != nil {
		return nil, fmt.Errorf("decode metadata of %s: %w", a.ID, err)
	}

	a.Type = activity.Type(typ)
	a.Metadata = metadata
	a.Quantity = int(quantity)
	a.CreatedAt = createdAt.UTC()
	if xpEarned != nil {
		v := int(*xpEarned)
		a.XPEarned = &v
	}
	return &a, nil
}

var _ activity.Repository = (*ActivityRepository)(nil)
