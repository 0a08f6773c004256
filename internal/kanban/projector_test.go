package kanban

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/taskdeck/taskdeck/internal/models"
)

func TestProject_Totality(t *testing.T) {
	valid := map[Column]bool{
		ColumnBacklog:    true,
		ColumnPlanning:   true,
		ColumnInProgress: true,
		ColumnReview:     true,
		ColumnDone:       true,
	}

	for _, status := range models.AllTaskStatuses {
		cell := Project(status)
		assert.True(t, valid[cell.Column], "status %s mapped to unknown column %s", status, cell.Column)
	}
}

func TestProject_ColumnMapping(t *testing.T) {
	cases := []struct {
		status models.TaskStatus
		column Column
	}{
		{models.TaskStatusTodo, ColumnBacklog},
		{models.TaskStatusPlanning, ColumnPlanning},
		{models.TaskStatusPlanningReview, ColumnPlanning},
		{models.TaskStatusInProgress, ColumnInProgress},
		{models.TaskStatusAIReview, ColumnInProgress},
		{models.TaskStatusFix, ColumnInProgress},
		{models.TaskStatusReview, ColumnReview},
		{models.TaskStatusDone, ColumnDone},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.column, Project(tc.status).Column, "status %s", tc.status)
	}
}

func TestProject_SubgroupOrder(t *testing.T) {
	// AI-working statuses sort before awaiting-human within a column.
	assert.Less(t,
		Project(models.TaskStatusPlanning).Subgroup,
		Project(models.TaskStatusPlanningReview).Subgroup)

	assert.Less(t,
		Project(models.TaskStatusInProgress).Subgroup,
		Project(models.TaskStatusAIReview).Subgroup)
	assert.Less(t,
		Project(models.TaskStatusAIReview).Subgroup,
		Project(models.TaskStatusFix).Subgroup)
}

func TestProject_Pure(t *testing.T) {
	// Same input always yields the same cell, independent of call order.
	first := Project(models.TaskStatusAIReview)
	Project(models.TaskStatusDone)
	Project(models.TaskStatusTodo)
	assert.Equal(t, first, Project(models.TaskStatusAIReview))
}

func TestGroup_SubgroupOrdering(t *testing.T) {
	tasks := []*models.Task{
		{ID: "fix-1", Status: models.TaskStatusFix},
		{ID: "impl-1", Status: models.TaskStatusInProgress},
		{ID: "rev-1", Status: models.TaskStatusAIReview},
		{ID: "impl-2", Status: models.TaskStatusInProgress},
	}

	grouped := Group(tasks)
	col := grouped[ColumnInProgress]
	ids := make([]string, len(col))
	for i, task := range col {
		ids[i] = task.ID
	}

	// in_progress before ai_review before fix; insertion order within each.
	assert.Equal(t, []string{"impl-1", "impl-2", "rev-1", "fix-1"}, ids)
}
