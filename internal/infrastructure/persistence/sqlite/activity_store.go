package sqlite

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jobquest/progress-engine/internal/domain/activity"
	"github.com/jobquest/progress-engine/internal/domain/shared"
)

// ActivityStore implements activity.Repository.
type ActivityStore struct {
	db *gorm.DB
}

// NewActivityStore creates the store.
func NewActivityStore(db *Database) *ActivityStore {
	return &ActivityStore{db: db.DB}
}

func (s *ActivityStore) Append(ctx context.Context, a *activity.Activity) error {
	md, err := a.MarshalMetadata()
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	row := activityRow{
		ID:          a.ID,
		UserID:      a.UserID,
		Type:        string(a.Type),
		Title:       a.Title,
		Description: a.Description,
		Metadata:    string(md),
		XPEarned:    a.XPEarned,
		Dimension:   a.Dimension,
		Quantity:    a.Quantity,
		CreatedAt:   toMicros(a.CreatedAt),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

func (s *ActivityStore) GetByID(ctx context.Context, id string) (*activity.Activity, error) {
	var row activityRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrActivityNotFound
		}
		return nil, fmt.Errorf("get activity: %w", err)
	}
	return row.toDomain()
}

func (s *ActivityStore) ListByUser(ctx context.Context, userID string, opts activity.ListOptions) ([]*activity.Activity, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if !opts.Since.IsZero() {
		q = q.Where("created_at >= ?", toMicros(opts.Since))
	}
	if !opts.Until.IsZero() {
		q = q.Where("created_at < ?", toMicros(opts.Until))
	}
	if len(opts.Types) > 0 {
		types := make([]string, len(opts.Types))
		for i, t := range opts.Types {
			types[i] = string(t)
		}
		q = q.Where("type IN ?", types)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	var rows []activityRow
	if err := q.Order("created_at DESC, id").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}

	out := make([]*activity.Activity, 0, len(rows))
	for i := range rows {
		a, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *ActivityStore) Stats(ctx context.Context, userID string, window *activity.Window) (activity.Stats, error) {
	type group struct {
		Type      string
		Dimension string
		Count     int64
		Quantity  int64
	}

	q := s.db.WithContext(ctx).
		Model(&activityRow{}).
		Select("type, dimension, COUNT(*) AS count, COALESCE(SUM(quantity), 0) AS quantity").
		Where("user_id = ?", userID)
	if window != nil {
		q = q.Where("created_at >= ? AND created_at < ?", toMicros(window.From), toMicros(window.To))
	}

	var groups []group
	if err := q.Group("type, dimension").Scan(&groups).Error; err != nil {
		return activity.Stats{}, fmt.Errorf("aggregate activities: %w", err)
	}

	rows := make([]activity.StatRow, len(groups))
	for i, g := range groups {
		rows[i] = activity.StatRow{
			Type:      activity.Type(g.Type),
			Dimension: g.Dimension,
			Count:     int(g.Count),
			Quantity:  int(g.Quantity),
		}
	}
	return activity.NewStats(rows), nil
}

func (s *ActivityStore) Annotate(ctx context.Context, ann activity.Annotation) error {
	row := annotationRow{
		ActivityID: ann.ActivityID,
		Key:        ann.Key,
		Value:      ann.Value,
		CreatedAt:  toMicros(ann.CreatedAt),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("insert annotation: %w", err)
	}
	return nil
}

func (s *ActivityStore) Annotations(ctx context.Context, activityID string) ([]activity.Annotation, error) {
	var rows []annotationRow
	err := s.db.WithContext(ctx).
		Where("activity_id = ?", activityID).
		Order("created_at, key, value").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}

	out := make([]activity.Annotation, len(rows))
	for i, r := range rows {
		out[i] = activity.Annotation{
			ActivityID: r.ActivityID,
			Key:        r.Key,
			Value:      r.Value,
			CreatedAt:  fromMicros(r.CreatedAt),
		}
	}
	return out, nil
}

func (r activityRow) toDomain() (*activity.Activity, error) {
	md, err := activity.UnmarshalMetadata([]byte(r.Metadata))
	if err != nil {
		return nil, fmt.Errorf("decode metadata of %s: %w", r.ID, err)
	}
	return &activity.Activity{
		ID:          r.ID,
		UserID:      r.UserID,
		Type:        activity.Type(r.Type),
		Title:       r.Title,
		Description: r.Description,
		Metadata:    md,
		XPEarned:    r.XPEarned,
		CreatedAt:   fromMicros(r.CreatedAt),
		Dimension:   r.Dimension,
		Quantity:    r.Quantity,
	}, nil
}

var _ activity.Repository = (*ActivityStore)(nil)
