package build

import (
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/darch-io/darch/internal/constants"
	"github.com/darch-io/darch/internal/utils"
)

// Guard is the process-wide exclusive lock. It never waits: a second
// invocation must fail immediately with ErrLockHeld rather than queue
// behind a running build.
type Guard struct {
	lock *flock.Flock
}

func AcquireLock(path string) (*Guard, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	l := flock.New(path)
	ok, err := l.TryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, constants.ErrLockHeld
	}
	utils.Log.Debug().Str("path", path).Msg("Lock acquired")
	return &Guard{lock: l}, nil
}

func (g *Guard) Release() {
	if err := g.lock.Unlock(); err != nil {
		utils.Log.Warn().Err(err).Msg("Releasing lock")
	}
}
