package build

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	cnst "github.com/darch-io/darch/internal/constants"
	"github.com/darch-io/darch/internal/utils"
	"github.com/darch-io/darch/pkg/config"
	"github.com/darch-io/darch/pkg/generation"
	cfmount "github.com/darch-io/darch/pkg/mount"
)

// Check is the read-only half of apply: it computes and reports what an
// apply would do, without creating, deleting or writing anything on the
// target. Incomplete generations are reported, not swept.
func Check(opts Options) (string, error) {
	settings, err := ReadSettings(cnst.EnvFile)
	if err != nil {
		return "", err
	}
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return "", err
	}

	guard, err := AcquireLock(settings.LockPath)
	if err != nil {
		return "", err
	}
	defer guard.Release()

	s := NewState(opts, settings, cfg, utils.ExecRunner{})
	defer func() {
		s.LogIfError(s.Unwind(), "releasing check mounts")
	}()

	if s.Opts.ImagePath != "" {
		if _, err := os.Stat(s.Opts.ImagePath); err != nil {
			return "", fmt.Errorf("image %s: %w", s.Opts.ImagePath, err)
		}
		loop, err := cfmount.AttachImage(s.runner, s.Opts.ImagePath)
		if err != nil {
			return "", err
		}
		s.stack.Push("loop device", loop.Detach)
		if s.ESPDevice, s.RootDevice, err = loop.Partitions(); err != nil {
			return "", err
		}
	} else {
		s.ESPDevice = utils.ParseDevice(s.Opts.ESPDev)
		s.RootDevice = utils.ParseDevice(s.Opts.BtrfsDev)
	}

	// Read-only mount: check must leave the target untouched.
	if err := s.mountOp("images", cfmount.Subvolume(s.RootDevice, cnst.ImagesMountPoint, cnst.ImagesSubvolume, "ro")); err != nil {
		return "", err
	}
	s.store = generation.NewStore(cnst.ImagesMountPoint, s.runner)

	if err := s.readUUIDs(); err != nil {
		return "", err
	}
	s.Config.AddFile(config.FstabPath, config.ESPFstab(s.ESPUUID))

	gens, err := s.store.List()
	if err != nil {
		return "", err
	}
	var prefix string
	incomplete := 0
	for _, g := range gens {
		if !g.Complete {
			incomplete++
		}
	}
	if incomplete > 0 {
		prefix = fmt.Sprintf("%d incomplete generation(s) found: apply would delete them.\n", incomplete)
	}

	current, err := s.store.Current()
	if err != nil {
		return "", err
	}
	if current == nil {
		return prefix + "No complete generation found: apply would perform a fresh build.\n", nil
	}

	old, err := s.store.LoadConfig(*current)
	if errors.Is(err, cnst.ErrNoMarker) {
		return prefix + fmt.Sprintf("gen-%d has no stored config: apply would perform a fresh build.\n", current.Number), nil
	}
	if err != nil {
		return "", err
	}

	diff := config.Compute(old, s.Config)
	if !diff.HasChanges() && !diff.UsersChanged {
		return prefix + "Already up to date.\n", nil
	}
	return prefix + renderDiff(current.Number, diff), nil
}

func renderDiff(currentGen int, diff *config.Diff) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Changes relative to gen-%d:\n", currentGen)

	writeList := func(label string, items []string) {
		if len(items) == 0 {
			return
		}
		sort.Strings(items)
		fmt.Fprintf(&b, "  %s:\n", label)
		for _, i := range items {
			fmt.Fprintf(&b, "    %s\n", i)
		}
	}

	writeList("packages to install", diff.PackagesToInstall)
	writeList("packages to remove", diff.PackagesToRemove)
	writeList("files to add", sortedPaths(diff.FilesToAdd))
	writeList("files to update", sortedPaths(diff.FilesToUpdate))
	writeList("files to remove", sortedPaths(diff.FilesToRemove))
	if diff.UsersChanged {
		b.WriteString("  user records changed\n")
	}
	return b.String()
}
