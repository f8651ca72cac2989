package state

import (
	"hash/fnv"

	"gorm.io/gorm"
)

// Advisory lock keys. Two classes: one per (job_id, stage) for last-task
// detection, one per job for the advancement transaction. Both are
// transaction-scoped locks released on commit or rollback.

const advanceScope = "advance"

func stageLockKey(jobID string, stage int) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(jobID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte{byte(stage >> 24), byte(stage >> 16), byte(stage >> 8), byte(stage)})
	return int64(h.Sum64())
}

func advanceLockKey(jobID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(jobID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(advanceScope))
	return int64(h.Sum64())
}

func acquireXactLock(tx *gorm.DB, key int64) error {
	return tx.Exec("SELECT pg_advisory_xact_lock(?)", key).Error
}
