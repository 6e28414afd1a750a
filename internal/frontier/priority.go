package frontier

import "strings"

// Priority hints carried on dispatched events. Lower is more urgent.
const (
	HintUrgent = 1
	HintNormal = 5
)

// PriorityHint tells downstream workers how urgently to fetch a task type.
// Search and listing pages feed discovery, so they go first.
func PriorityHint(taskType string) int {
	switch strings.ToLower(taskType) {
	case TaskSearch, TaskListing:
		return HintUrgent
	default:
		return HintNormal
	}
}

// PrepareSeeds normalizes items and fills their url hashes. Items without a
// URL or task type are dropped; the caller validates before this point.
func PrepareSeeds(items []SeedItem, defaultSegment string, hasher Hasher) []SeedItem {
	out := make([]SeedItem, 0, len(items))
	for _, item := range items {
		if item.URL == "" || item.TaskType == "" {
			continue
		}
		n := item.Normalized(defaultSegment)
		n.URLHash = hasher.HashURL(n.URL)
		out = append(out, n)
	}
	return out
}
