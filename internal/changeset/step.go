package changeset

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/schaermu/treeforge/internal/artifact"
)

// Status tracks a step through review
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusDiscarded Status = "discarded"
)

// Step wraps one parsed action with its review status
type Step struct {
	ID          uuid.UUID       `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Action      artifact.Action `json:"action"`
	// Batch is the arrival index of the document the action came from
	Batch  int    `json:"batch"`
	Status Status `json:"status"`
}

// NewSteps wraps every action of doc in a pending step
func NewSteps(doc artifact.Document, batch int) []*Step {
	steps := make([]*Step, 0, len(doc.Actions))
	for _, a := range doc.Actions {
		steps = append(steps, &Step{
			ID:          uuid.New(),
			Title:       title(a),
			Description: description(doc, a),
			Action:      a,
			Batch:       batch,
			Status:      StatusPending,
		})
	}
	return steps
}

func title(a artifact.Action) string {
	switch a.Kind {
	case artifact.KindFile:
		return "Create " + a.Path
	case artifact.KindShell:
		return "Run command"
	default:
		return "Unrecognized action"
	}
}

func description(doc artifact.Document, a artifact.Action) string {
	switch a.Kind {
	case artifact.KindShell:
		return a.Payload
	case artifact.KindUnknown:
		return a.Reason
	}
	if doc.Title != "" {
		return fmt.Sprintf("%s (%s)", doc.Title, a.Path)
	}
	return ""
}
