package build

import (
	"github.com/darch-io/darch/pkg/config"
)

// NeedsBuild decides whether a new generation is warranted. Pure up to
// the probe: the upgrade probe is only consulted when the structural
// diff and the user records are both unchanged and an upgrade was
// requested, so an expensive package-database check never runs when the
// answer is already yes.
func NeedsBuild(diff *config.Diff, upgradeRequested bool, upgradesAvailable func() bool) bool {
	if diff.HasChanges() {
		return true
	}
	if diff.UsersChanged {
		return true
	}
	if upgradeRequested {
		return upgradesAvailable()
	}
	return false
}
