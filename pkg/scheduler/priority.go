package scheduler

import (
	"fmt"
	"strings"
)

// Priority orders requests in the queue.
type Priority string

const (
	// PriorityHigh is dispatched before everything else (interactive views).
	PriorityHigh Priority = "high"

	// PriorityNormal is the default.
	PriorityNormal Priority = "normal"

	// PriorityLow is for background work such as exports.
	PriorityLow Priority = "low"
)

// rank returns the bucket index; lower dispatches first.
func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// ParsePriority converts a string to a Priority. Empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return "", fmt.Errorf("unknown priority %q", s)
	}
}
