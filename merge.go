package syncview

import (
	"sort"
)

// one entry of the merged view. exactly one of Record, Optimistic is set.
type ViewEntry struct {
	Record     *Record
	Optimistic *OptimisticEntry
}

func (self *ViewEntry) IsConfirmed() bool {
	return self.Record != nil
}

// dedup key of the entry: record id for confirmed, temp id for optimistic
func (self *ViewEntry) Key() Id {
	if self.Record != nil {
		return self.Record.Id
	}
	return self.Optimistic.TempId
}

func (self *ViewEntry) Text() string {
	if self.Record != nil {
		return self.Record.Text
	}
	return self.Optimistic.Payload.Text
}

// MergeRecords computes the single ordered, duplicate-free view from the
// confirmed records, the live optimistic entries, and the pending counter
// patches. The computation is pure given its inputs.
//
// Ordering: optimistic entries first, most recent submission first, then
// confirmed records by created time descending. Records sharing a created
// time order by id ascending for determinism.
//
// Dedup: confirmed records by id. An optimistic entry whose temp id was
// echoed back on a confirmed record is removed in the same computation, so
// the two are never both visible. Tombstoned records consume their id but
// are not rendered.
func MergeRecords(confirmed []*Record, optimistic []*OptimisticEntry, patches []*RecordPatch) []*ViewEntry {
	// later arrivals for the same id win
	recordsById := map[Id]*Record{}
	recordOrder := []Id{}
	for _, record := range confirmed {
		if _, ok := recordsById[record.Id]; !ok {
			recordOrder = append(recordOrder, record.Id)
		}
		recordsById[record.Id] = record
	}

	// temp ids already confirmed by an echoed record
	echoedTempIds := map[Id]bool{}
	for _, record := range recordsById {
		if !record.ClientId.IsZero() {
			echoedTempIds[record.ClientId] = true
		}
	}

	orderedRecords := make([]*Record, 0, len(recordOrder))
	for _, recordId := range recordOrder {
		record := recordsById[recordId]
		if record.Deleted {
			continue
		}
		orderedRecords = append(orderedRecords, record)
	}
	orderedRecords = applyPatches(orderedRecords, patches)
	sort.Slice(orderedRecords, func(i int, j int) bool {
		a := orderedRecords[i]
		b := orderedRecords[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.Id.String() < b.Id.String()
	})

	pendingEntries := make([]*OptimisticEntry, 0, len(optimistic))
	for _, entry := range optimistic {
		if echoedTempIds[entry.TempId] {
			continue
		}
		pendingEntries = append(pendingEntries, entry)
	}
	sort.SliceStable(pendingEntries, func(i int, j int) bool {
		return pendingEntries[i].SubmittedAt.After(pendingEntries[j].SubmittedAt)
	})

	out := make([]*ViewEntry, 0, len(pendingEntries)+len(orderedRecords))
	for _, entry := range pendingEntries {
		out = append(out, &ViewEntry{Optimistic: entry})
	}
	for _, record := range orderedRecords {
		out = append(out, &ViewEntry{Record: record})
	}
	return out
}

// applies not-yet-acked counter patches on copies,
// never on the records already delivered upstream
func applyPatches(records []*Record, patches []*RecordPatch) []*Record {
	if len(patches) == 0 {
		return records
	}
	patchesByTarget := map[Id][]*RecordPatch{}
	for _, patch := range patches {
		patchesByTarget[patch.TargetId] = append(patchesByTarget[patch.TargetId], patch)
	}

	out := make([]*Record, len(records))
	for i, record := range records {
		targetPatches, ok := patchesByTarget[record.Id]
		if !ok {
			out[i] = record
			continue
		}
		patched := record.copy()
		if patched.Reactions == nil {
			patched.Reactions = map[string]int{}
		}
		for _, patch := range targetPatches {
			count := patched.Reactions[patch.Reaction] + patch.Delta
			if count <= 0 {
				delete(patched.Reactions, patch.Reaction)
			} else {
				patched.Reactions[patch.Reaction] = count
			}
		}
		out[i] = patched
	}
	return out
}

// dedupAppend appends page records that are not already present by id,
// preserving the existing order of the cumulative list.
func dedupAppend(records []*Record, pageRecords []*Record) []*Record {
	seen := map[Id]bool{}
	for _, record := range records {
		seen[record.Id] = true
	}
	out := records
	for _, record := range pageRecords {
		if seen[record.Id] {
			continue
		}
		seen[record.Id] = true
		out = append(out, record)
	}
	return out
}
