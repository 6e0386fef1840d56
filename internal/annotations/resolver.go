package annotations

// Completion predicates per task type, used only to seed the initial row
// position on load. Timed tasks resolve on the canonical "complete" tag and
// treat forfeited rows as permanently resolved; selection tasks resolve on
// any non-empty choice.

// TimedComplete reports whether a timed-task row needs no further work.
func TimedComplete(rec Record) bool {
	if rec.Answer == StatusForfeited {
		return true
	}
	return rec.Status == StatusComplete || rec.Answer == StatusComplete
}

// SelectionComplete reports whether a selection-task row has a choice.
func SelectionComplete(rec Record) bool {
	return rec.Selected != ""
}

// FirstUnannotated returns the lowest row index whose record is absent or
// does not satisfy done. Returns rowCount-1 when every row is resolved (or
// 0 for an empty dataset).
func FirstUnannotated(rows TaskMap, rowCount int, done func(Record) bool) int {
	if rowCount <= 0 {
		return 0
	}
	for i := 0; i < rowCount; i++ {
		rec, ok := rows[i]
		if !ok || !done(rec) {
			return i
		}
	}
	return rowCount - 1
}
