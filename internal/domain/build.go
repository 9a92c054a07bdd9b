package domain

import "time"

// Build statuses. Transitions form a line: pending → building →
// (successful | failed); pending may also fail directly when a newer
// build supersedes it.
const (
	BuildPending    = "pending"
	BuildBuilding   = "building"
	BuildSuccessful = "successful"
	BuildFailed     = "failed"
)

// Build is one attempt to turn a pushed ref into a running container.
// IDs are ULIDs so lexicographic order is creation order.
type Build struct {
	ID         string
	ProjectID  string
	Status     string
	Log        string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	FinishedAt *time.Time
}

// Terminal reports whether the status admits no further transitions.
func (b Build) Terminal() bool {
	return b.Status == BuildSuccessful || b.Status == BuildFailed
}

// CanTransition reports whether from → to is a legal status edge.
func CanTransition(from, to string) bool {
	switch from {
	case BuildPending:
		return to == BuildBuilding || to == BuildFailed
	case BuildBuilding:
		return to == BuildSuccessful || to == BuildFailed
	default:
		return false
	}
}
