package emulator

import (
	"sync/atomic"
	"time"
)

var lastVersion uint64

// nextVersion returns a strictly increasing ledger version.
func nextVersion() uint64 {
	for {
		now := uint64(time.Now().UnixNano())
		last := atomic.LoadUint64(&lastVersion)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapUint64(&lastVersion, last, now) {
			return now
		}
	}
}
