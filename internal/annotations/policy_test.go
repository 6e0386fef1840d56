package annotations

import "testing"

func TestBackupThreshold(t *testing.T) {
	cases := []struct {
		rowCount int
		want     int
	}{
		{0, 1},
		{5, 1},
		{9, 1},
		{10, 1},
		{15, 1},
		{20, 2},
		{100, 10},
		{1234, 123},
	}
	for _, tc := range cases {
		if got := BackupThreshold(tc.rowCount); got != tc.want {
			t.Errorf("BackupThreshold(%d) = %d, want %d", tc.rowCount, got, tc.want)
		}
	}
}

func TestShouldBackup_SmallDataset(t *testing.T) {
	// Ten rows: threshold is one, so the very first annotation is backed up.
	if ShouldBackup(0, 0, 10) {
		t.Fatal("no annotations yet, backup must not be due")
	}
	if !ShouldBackup(1, 0, 10) {
		t.Fatal("first annotation should trigger a backup")
	}
	// After the backup the counter advances to 1 and the decision flips off
	// until the count reaches 2.
	if ShouldBackup(1, 1, 10) {
		t.Fatal("backup just taken, must not be due")
	}
	if !ShouldBackup(2, 1, 10) {
		t.Fatal("second annotation should trigger the next backup")
	}
}

func TestShouldBackup_Monotonic(t *testing.T) {
	// Once due, stays due until the counter advances.
	for count := 12; count < 30; count++ {
		if !ShouldBackup(count, 2, 100) {
			t.Fatalf("ShouldBackup(%d, 2, 100) flipped false", count)
		}
	}
	if ShouldBackup(11, 2, 100) {
		t.Fatal("ShouldBackup(11, 2, 100) should be false (threshold 10)")
	}
}
