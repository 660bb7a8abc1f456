package stamps

import (
	"fmt"

	"github.com/floorsight/tally/internal/domain"
)

// checkOptimisticLock rejects a stamp update whose caller-supplied
// last-observed timestamp no longer matches storage. A nil expectation means
// the caller opted out and the update proceeds last-writer-wins. This detects
// conflicts already committed by the time the second writer submits; it is
// not a lock.
func checkOptimisticLock(storedUpdatedAtMS int64, expectedUpdatedAtMS *int64) error {
	if expectedUpdatedAtMS == nil {
		return nil
	}
	if *expectedUpdatedAtMS != storedUpdatedAtMS {
		return fmt.Errorf("%w: observed %d, stored %d",
			domain.ErrOptimisticLockConflict, *expectedUpdatedAtMS, storedUpdatedAtMS)
	}
	return nil
}
