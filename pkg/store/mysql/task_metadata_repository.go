package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// taskRow maps the parent-task row of the business store. Only the columns
// needed for project-id backfill are declared.
type taskRow struct {
	TaskID    string `gorm:"column:task_id;primaryKey"`
	ProjectID string `gorm:"column:project_id"`
}

func (taskRow) TableName() string {
	return "tasks"
}

const metadataQueryTimeout = 2 * time.Second

// TaskMetadataRepository reads parent-task metadata for project-id backfill.
type TaskMetadataRepository struct {
	db *gorm.DB
}

// NewTaskMetadataRepository creates the read-only metadata repository.
func NewTaskMetadataRepository(db *gorm.DB) *TaskMetadataRepository {
	return &TaskMetadataRepository{db: db}
}

// ProjectIDForParent looks up the project owning a parent task. A missing
// row resolves to "" without error; the caller treats empty as unknown.
func (r *TaskMetadataRepository) ProjectIDForParent(ctx context.Context, parentTaskID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, metadataQueryTimeout)
	defer cancel()

	var row taskRow
	err := r.db.WithContext(ctx).
		Select("task_id", "project_id").
		Where("task_id = ?", parentTaskID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query task metadata: %w", err)
	}

	return row.ProjectID, nil
}
