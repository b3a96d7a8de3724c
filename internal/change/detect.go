// Package change classifies how a course's document set moved since it was
// last processed.
package change

import (
	"fmt"
	"sort"

	"onboarding/apps/backend/internal/artifact"
)

// DocVersion is a freshly observed document version.
type DocVersion struct {
	DocID   string `json:"doc_id"`
	Version int    `json:"version"`
}

type Modified struct {
	DocID      string `json:"doc_id"`
	OldVersion int    `json:"old_version"`
	NewVersion int    `json:"new_version"`
}

type Set struct {
	NewPages      []DocVersion `json:"new_pages"`
	DeletedPages  []DocVersion `json:"deleted_pages"`
	ModifiedPages []Modified   `json:"modified_pages"`
	NeedsUpdate   bool         `json:"needs_update"`
	Reason        string       `json:"reason"`
}

// Detect compares the versions recorded in old with fresh. A nil record means
// the course was never processed and every fresh page is new.
//
// Pages that failed in the last run have no recorded version. While they keep
// appearing they are reported as modified with OldVersion 0; once gone from
// the source there is nothing left to clean up for them.
func Detect(old *artifact.ProcessingRecord, fresh []DocVersion) Set {
	known := map[string]int{}
	failed := map[string]bool{}
	if old != nil {
		known = old.Versions()
		for _, f := range old.FailedPages {
			if _, ok := known[f.DocID]; !ok {
				failed[f.DocID] = true
			}
		}
	}

	set := Set{
		NewPages:      []DocVersion{},
		DeletedPages:  []DocVersion{},
		ModifiedPages: []Modified{},
	}

	seen := make(map[string]bool, len(fresh))
	for _, f := range fresh {
		if seen[f.DocID] {
			continue
		}
		seen[f.DocID] = true

		oldVersion, ok := known[f.DocID]
		switch {
		case failed[f.DocID]:
			set.ModifiedPages = append(set.ModifiedPages, Modified{DocID: f.DocID, NewVersion: f.Version})
		case !ok:
			set.NewPages = append(set.NewPages, f)
		case oldVersion != f.Version:
			set.ModifiedPages = append(set.ModifiedPages, Modified{DocID: f.DocID, OldVersion: oldVersion, NewVersion: f.Version})
		}
	}

	for id, v := range known {
		if !seen[id] {
			set.DeletedPages = append(set.DeletedPages, DocVersion{DocID: id, Version: v})
		}
	}

	sort.Slice(set.NewPages, func(i, j int) bool { return set.NewPages[i].DocID < set.NewPages[j].DocID })
	sort.Slice(set.DeletedPages, func(i, j int) bool { return set.DeletedPages[i].DocID < set.DeletedPages[j].DocID })
	sort.Slice(set.ModifiedPages, func(i, j int) bool { return set.ModifiedPages[i].DocID < set.ModifiedPages[j].DocID })

	set.NeedsUpdate = len(set.NewPages)+len(set.DeletedPages)+len(set.ModifiedPages) > 0
	set.Reason = reason(set)
	return set
}

func reason(s Set) string {
	if !s.NeedsUpdate {
		return "no changes detected"
	}
	return fmt.Sprintf("%d new, %d deleted, %d modified pages",
		len(s.NewPages), len(s.DeletedPages), len(s.ModifiedPages))
}
