package sessiongraph

import (
	"os"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/errs"
)

// LockPolicy controls how long a writer waits for a session's advisory
// lock file, and when a stale lock is allowed to be reclaimed.
type LockPolicy struct {
	WaitMs  int64 // total time to poll before giving up
	StaleMs int64 // 0 disables staleness-based reclaim
}

const lockPollInterval = 20 * time.Millisecond

// acquireLock creates <path>.lock, polling up to policy.WaitMs. If the
// existing lock file's mtime is older than policy.StaleMs (when > 0),
// it is removed and the acquire is retried. The lock's content is
// opaque (presence-only); we still write the pid for operator
// debugging.
func acquireLock(lockPath string, policy LockPolicy) (func(), error) {
	deadline := time.Now().Add(time.Duration(policy.WaitMs) * time.Millisecond)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, _ = f.WriteString(pidString())
			_ = f.Close()
			return func() { _ = os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, errs.Wrap(errs.KindLockUnavailable, "create lock file", err)
		}
		if policy.StaleMs > 0 {
			if info, statErr := os.Stat(lockPath); statErr == nil {
				if time.Since(info.ModTime()) > time.Duration(policy.StaleMs)*time.Millisecond {
					_ = os.Remove(lockPath)
					continue
				}
			}
		}
		if time.Now().After(deadline) {
			return nil, errs.New(errs.KindLockUnavailable, "timed out acquiring lock")
		}
		time.Sleep(lockPollInterval)
	}
}
