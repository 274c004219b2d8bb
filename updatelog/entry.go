package updatelog

import (
	"time"
)

// MergedRef points from a compacted-away entry back to the entry that
// subsumed it.
type MergedRef struct {
	ID       string `json:"id"`
	Revision int64  `json:"revision"`
}

// Entry is one immutable row of an entity's update log.
//
// Revision is assigned at append time and increases monotonically per
// entity. MergedCount is zero for ordinary entries; a compaction entry
// carries the number of entries it replaced. MergedUpdates lists their
// identities on the wire; locally they live in the merged-updates index,
// so the field is populated on compaction entries being created or
// received, not on rows read back from storage.
type Entry struct {
	ID            string      `json:"id"`
	EntityID      string      `json:"entity_id"`
	Revision      int64       `json:"revision"`
	Delta         Delta       `json:"delta"`
	CreatedAt     time.Time   `json:"created_at"`
	CreatedBy     string      `json:"created_by"`
	MergedCount   int         `json:"merged_count,omitempty"`
	MergedUpdates []MergedRef `json:"merged_updates,omitempty"`
}

// IsCompaction reports whether the entry replaced earlier entries.
func (e *Entry) IsCompaction() bool {
	return e.MergedCount > 0
}
