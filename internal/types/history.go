package types

// History is the ordered, append-only list of iteration records.
// Records are copied in and out so callers cannot edit what was stored.
type History struct {
	records []IterationRecord
}

// Append adds a record to the end of the history.
func (h *History) Append(rec IterationRecord) {
	h.records = append(h.records, cloneRecord(rec))
}

// Len returns the number of records.
func (h *History) Len() int {
	return len(h.records)
}

// Records returns a copy of every record in order.
func (h *History) Records() []IterationRecord {
	out := make([]IterationRecord, len(h.records))
	for i, rec := range h.records {
		out[i] = cloneRecord(rec)
	}
	return out
}

// Last returns the most recent record, if any.
func (h *History) Last() (IterationRecord, bool) {
	if len(h.records) == 0 {
		return IterationRecord{}, false
	}
	return cloneRecord(h.records[len(h.records)-1]), true
}

// AllResults folds every record's execution results into one list, oldest first.
// Each result carries its originating test case payload when one was attached.
func (h *History) AllResults() []ExecutionResult {
	var out []ExecutionResult
	for _, rec := range h.records {
		out = append(out, rec.Results...)
	}
	return out
}

func cloneRecord(rec IterationRecord) IterationRecord {
	rec.TestCases = append([]TestCase(nil), rec.TestCases...)
	rec.Results = append([]ExecutionResult(nil), rec.Results...)
	rec.Coverage.TestedAspectIDs = append([]int(nil), rec.Coverage.TestedAspectIDs...)
	rec.Coverage.UntestedAspectIDs = append([]int(nil), rec.Coverage.UntestedAspectIDs...)
	return rec
}
