package annotations

// BackupThreshold returns the number of new annotations that must accumulate
// before the next backup snapshot of a task is due: 10% of the dataset,
// floored, but never less than one. Datasets under ten rows still get a
// backup after their first annotation.
func BackupThreshold(rowCount int) int {
	threshold := rowCount / 10
	if threshold < 1 {
		threshold = 1
	}
	return threshold
}

// ShouldBackup decides whether a backup snapshot is due. count is the current
// annotation count for the task, lastBackupCount the count at which the last
// backup was taken. Monotonic: once true for a given lastBackupCount it stays
// true until the counter advances.
func ShouldBackup(count, lastBackupCount, rowCount int) bool {
	return count >= lastBackupCount+BackupThreshold(rowCount)
}
