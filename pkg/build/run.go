package build

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spectrocloud-labs/herd"

	cnst "github.com/darch-io/darch/internal/constants"
	"github.com/darch-io/darch/internal/utils"
	"github.com/darch-io/darch/pkg/config"
	cfmount "github.com/darch-io/darch/pkg/mount"
)

// Apply is the full build/update entry point behind the apply command.
// It takes the lock, resolves the target, decides fresh vs incremental
// vs nothing-to-do, and runs the step graph. Mounts are unwound on
// every exit path. A dry run stops after printing the graph and leaves
// the target untouched: no image provisioning, no wreckage sweep.
func Apply(opts Options, dryRun bool) error {
	settings, err := ReadSettings(cnst.EnvFile)
	if err != nil {
		return err
	}
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}

	guard, err := AcquireLock(settings.LockPath)
	if err != nil {
		return err
	}
	defer guard.Release()

	s := NewState(opts, settings, cfg, utils.ExecRunner{})
	defer func() {
		s.LogIfError(s.Unwind(), "releasing build mounts")
	}()

	needed, err := s.prepare(dryRun)
	if err != nil {
		return err
	}
	if !needed {
		utils.Log.Info().Msg("Already up to date.")
		return nil
	}

	g := herd.DAG(herd.EnableInit)
	if err := s.RegisterBuildSteps(g); err != nil {
		return err
	}
	utils.Log.Info().Msg(s.WriteDAG(g))
	if dryRun {
		return nil
	}

	err = g.Run(context.Background())
	utils.Log.Info().Msg(s.WriteDAG(g))
	if err != nil {
		return err
	}
	if s.Phase != PhaseMarkedComplete {
		return fmt.Errorf("build finished without completing generation %d", s.NewGen)
	}
	utils.Log.Info().Int("generation", s.NewGen).Str("build", s.BuildID).Msg("Build succeeded")
	return nil
}

// prepare resolves devices, mounts the generations volume, sweeps
// wreckage from interrupted builds, and decides whether a build is
// needed at all. Returns false when the system already matches the
// config.
func (s *State) prepare(dryRun bool) (bool, error) {
	if err := s.resolveDevices(dryRun); err != nil {
		return false, err
	}
	if err := s.mountImages(); err != nil {
		return false, err
	}
	// The sweep deletes subvolumes; a dry run leaves the wreckage for
	// the real apply to collect.
	if !dryRun {
		if _, err := s.store.SweepIncomplete(); err != nil {
			return false, err
		}
	}

	current, err := s.store.Current()
	if err != nil {
		return false, err
	}
	s.CurrentGen = current
	if s.NewGen, err = s.store.Next(); err != nil {
		return false, err
	}

	if err := s.readUUIDs(); err != nil {
		return false, err
	}
	// The fstab depends on the resolved ESP, so it joins the config
	// before diffing; a reformatted ESP alone is a real change.
	s.Config.AddFile(config.FstabPath, config.ESPFstab(s.ESPUUID))

	s.Fresh = current == nil || s.Opts.Rebuild
	if s.Fresh {
		return true, nil
	}

	old, err := s.store.LoadConfig(*current)
	if errors.Is(err, cnst.ErrNoMarker) {
		utils.Log.Warn().Int("generation", current.Number).Msg("Current generation has no stored config, forcing fresh build")
		s.Fresh = true
		return true, nil
	}
	if err != nil {
		return false, err
	}

	s.Diff = config.Compute(old, s.Config)
	return NeedsBuild(s.Diff, s.Opts.Upgrade, s.upgradesAvailable), nil
}

// resolveDevices attaches the image (creating it if needed, never on a
// dry run) or normalizes the raw device arguments.
func (s *State) resolveDevices(dryRun bool) error {
	if s.Opts.ImagePath != "" {
		loop, err := EnsureImage(s.runner, s.Opts.ImagePath, s.Opts.ImageSize, !dryRun)
		if err != nil {
			return err
		}
		s.stack.Push("loop device", loop.Detach)
		s.ESPDevice, s.RootDevice, err = loop.Partitions()
		return err
	}
	s.ESPDevice = utils.ParseDevice(s.Opts.ESPDev)
	s.RootDevice = utils.ParseDevice(s.Opts.BtrfsDev)
	return nil
}

func (s *State) readUUIDs() error {
	var err error
	if s.ESPUUID, err = s.blkid(s.ESPDevice); err != nil {
		return err
	}
	s.RootUUID, err = s.blkid(s.RootDevice)
	return err
}

func (s *State) blkid(device string) (string, error) {
	out, err := s.runner.Run("blkid", "-s", "UUID", "-o", "value", device)
	if err != nil {
		return "", fmt.Errorf("reading UUID of %s: %w", device, err)
	}
	return strings.TrimSpace(out), nil
}

// upgradesAvailable probes the current generation's package database.
// The probe tool exits non-zero when nothing is pending, which is the
// "no" answer, not a failure.
func (s *State) upgradesAvailable() bool {
	genRoot := s.store.Path(s.CurrentGen.Number)

	varOp := cfmount.Subvolume(s.RootDevice, filepath.Join(genRoot, "var"), cnst.VarSubvolume)
	if err := varOp.Run(); err != nil && err != cnst.ErrAlreadyMounted {
		utils.Log.Warn().Err(err).Msg("Cannot mount state volume for upgrade probe")
		return false
	}
	defer func() { s.LogIfError(varOp.Release(), "releasing upgrade probe mount") }()

	chroot := utils.NewChroot(genRoot)
	out, err := chroot.Run("checkupdates")
	if err != nil {
		utils.Log.Debug().Msg("No upgrades available")
		return false
	}
	return strings.TrimSpace(out) != ""
}
