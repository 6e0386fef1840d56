package annotations

import "testing"

func TestFirstUnannotated_Timed(t *testing.T) {
	rows := TaskMap{
		0: {Answer: StatusComplete, Status: StatusComplete},
		1: {Answer: StatusForfeited},
		2: {Answer: StatusRecorded, Status: StatusRecorded},
	}
	// Row 0 complete, row 1 forfeited (permanently resolved), row 2 recorded
	// but not confirmed: resume there.
	if got := FirstUnannotated(rows, 5, TimedComplete); got != 2 {
		t.Fatalf("FirstUnannotated = %d, want 2", got)
	}
}

func TestFirstUnannotated_AllResolved(t *testing.T) {
	rows := TaskMap{
		0: {Answer: StatusComplete},
		1: {Answer: StatusForfeited},
		2: {Answer: StatusComplete},
	}
	if got := FirstUnannotated(rows, 3, TimedComplete); got != 2 {
		t.Fatalf("all resolved: FirstUnannotated = %d, want last index 2", got)
	}
}

func TestFirstUnannotated_EmptyMapAndDataset(t *testing.T) {
	if got := FirstUnannotated(nil, 4, TimedComplete); got != 0 {
		t.Fatalf("empty map: got %d, want 0", got)
	}
	if got := FirstUnannotated(nil, 0, TimedComplete); got != 0 {
		t.Fatalf("empty dataset: got %d, want 0", got)
	}
}

func TestFirstUnannotated_Selection(t *testing.T) {
	rows := TaskMap{
		0: {Selected: "werewolf"},
		1: {},
	}
	if got := FirstUnannotated(rows, 3, SelectionComplete); got != 1 {
		t.Fatalf("FirstUnannotated = %d, want 1", got)
	}
}

func TestTimedComplete(t *testing.T) {
	cases := []struct {
		rec  Record
		want bool
	}{
		{Record{}, false},
		{Record{Answer: StatusRecorded}, false},
		{Record{Answer: StatusComplete}, true},
		{Record{Status: StatusComplete}, true},
		{Record{Answer: StatusForfeited}, true},
	}
	for i, tc := range cases {
		if got := TimedComplete(tc.rec); got != tc.want {
			t.Errorf("case %d: TimedComplete(%+v) = %v, want %v", i, tc.rec, got, tc.want)
		}
	}
}
