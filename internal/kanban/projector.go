// Package kanban maps task statuses to board columns and subgroups.
//
// The projection is pure display grouping: total over every task status,
// stateless, and re-derivable at any time from the status alone.
package kanban

import "github.com/taskdeck/taskdeck/internal/models"

// Column identifies a board column.
type Column string

const (
	ColumnBacklog    Column = "backlog"
	ColumnPlanning   Column = "planning"
	ColumnInProgress Column = "in_progress"
	ColumnReview     Column = "review"
	ColumnDone       Column = "done"
)

// AllColumns lists the columns in render order.
var AllColumns = []Column{
	ColumnBacklog,
	ColumnPlanning,
	ColumnInProgress,
	ColumnReview,
	ColumnDone,
}

// Cell is the board position of a single task status.
type Cell struct {
	Column Column
	// Subgroup orders statuses within a column: AI-working groups render
	// before awaiting-human groups. Zero for ungrouped columns.
	Subgroup int
}

// Project maps a task status to its board cell. The mapping is total:
// every enumerated status yields a defined column.
func Project(status models.TaskStatus) Cell {
	switch status {
	case models.TaskStatusTodo:
		return Cell{Column: ColumnBacklog}
	case models.TaskStatusPlanning:
		return Cell{Column: ColumnPlanning, Subgroup: 0}
	case models.TaskStatusPlanningReview:
		return Cell{Column: ColumnPlanning, Subgroup: 1}
	case models.TaskStatusInProgress:
		return Cell{Column: ColumnInProgress, Subgroup: 0}
	case models.TaskStatusAIReview:
		return Cell{Column: ColumnInProgress, Subgroup: 1}
	case models.TaskStatusFix:
		return Cell{Column: ColumnInProgress, Subgroup: 2}
	case models.TaskStatusReview:
		return Cell{Column: ColumnReview}
	case models.TaskStatusDone:
		return Cell{Column: ColumnDone}
	default:
		// Unknown statuses land in the backlog rather than vanishing
		// from the board.
		return Cell{Column: ColumnBacklog}
	}
}

// Group buckets tasks by column, preserving subgroup order within each
// column and input order within each subgroup.
func Group(tasks []*models.Task) map[Column][]*models.Task {
	buckets := make(map[Column][][]*models.Task)
	for _, task := range tasks {
		cell := Project(task.Status)
		rows := buckets[cell.Column]
		for len(rows) <= cell.Subgroup {
			rows = append(rows, nil)
		}
		rows[cell.Subgroup] = append(rows[cell.Subgroup], task)
		buckets[cell.Column] = rows
	}

	out := make(map[Column][]*models.Task, len(buckets))
	for col, rows := range buckets {
		var flat []*models.Task
		for _, row := range rows {
			flat = append(flat, row...)
		}
		out[col] = flat
	}
	return out
}
