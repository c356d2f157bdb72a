package build

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/spectrocloud-labs/herd"

	cnst "github.com/darch-io/darch/internal/constants"
	"github.com/darch-io/darch/internal/utils"
	"github.com/darch-io/darch/pkg/bootmenu"
	"github.com/darch-io/darch/pkg/config"
	"github.com/darch-io/darch/pkg/generation"
	cfmount "github.com/darch-io/darch/pkg/mount"
)

// sortedPaths keeps file application deterministic.
func sortedPaths(m map[string]config.Entry) []string {
	paths := make([]string, 0, len(m))
	for p := range m {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// RegisterBuildSteps wires the step chain for this run into the graph.
// The chain is linear: every step depends on the one before it, so the
// graph doubles as an execution trace for dry-run inspection.
func (s *State) RegisterBuildSteps(g *herd.Graph) error {
	var err error

	err = s.CreateSubvolumeDagStep(g)
	if err != nil {
		return err
	}
	last := cnst.OpCreateSubvolume

	if s.Fresh {
		if err = s.PopulateDagStep(g, last); err != nil {
			return err
		}
		if err = s.ConfigureDagStep(g, cnst.OpPopulate); err != nil {
			return err
		}
		last = cnst.OpConfigure
	} else {
		if err = s.ApplyDiffDagStep(g, last); err != nil {
			return err
		}
		last = cnst.OpApplyDiff
	}

	if err = s.ConfigureUsersDagStep(g, last); err != nil {
		return err
	}
	if err = s.WriteMarkerDagStep(g, cnst.OpConfigureUsers); err != nil {
		return err
	}
	if err = s.BootMenuDagStep(g, cnst.OpWriteMarker); err != nil {
		return err
	}
	if err = s.PruneDagStep(g, cnst.OpBootMenu); err != nil {
		return err
	}
	return s.LiveSwitchDagStep(g, cnst.OpPrune)
}

// CreateSubvolumeDagStep creates the target generation subvolume, fresh
// or as a snapshot of the current one, and mounts it together with the
// ESP. An inherited completion marker is renamed aside immediately, so
// a crash between here and the final marker write leaves an
// unmistakably incomplete generation.
func (s *State) CreateSubvolumeDagStep(g *herd.Graph, deps ...string) error {
	return g.Add(cnst.OpCreateSubvolume,
		herd.WithDeps(deps...),
		herd.WithCallback(func(_ context.Context) error {
			var err error
			if s.Fresh {
				utils.Log.Info().Int("generation", s.NewGen).Msg("Creating generation")
				err = s.store.Create(s.NewGen)
			} else {
				utils.Log.Info().Int("generation", s.NewGen).Int("from", s.CurrentGen.Number).Msg("Snapshotting generation")
				err = s.store.Snapshot(s.CurrentGen.Number, s.NewGen)
			}
			if err != nil {
				return err
			}

			subvol := cnst.ImagesSubvolume + "/" + filepath.Base(s.store.Path(s.NewGen))
			if err := s.mountOp("build root", cfmount.Subvolume(s.RootDevice, s.BuildRoot(), subvol)); err != nil {
				return err
			}
			if err := s.mountOp("esp", cfmount.Device(s.ESPDevice, s.espMount(), "vfat")); err != nil {
				return err
			}

			if !s.Fresh {
				if err := s.store.RenameInheritedMarker(s.BuildRoot()); err != nil {
					return err
				}
			}
			s.Phase = PhaseSubvolumeCreated
			return nil
		}))
}

// PopulateDagStep installs the full package set into an empty
// generation and rearranges the pacman state for the immutable layout:
// the database moves into the generation at /pacman, /var becomes the
// mount point for the persistent volume, and two relative symlinks let
// pacman find its database both in the build chroot and at runtime.
func (s *State) PopulateDagStep(g *herd.Graph, deps ...string) error {
	return g.Add(cnst.OpPopulate,
		herd.WithDeps(deps...),
		herd.WithCallback(func(_ context.Context) error {
			root := s.BuildRoot()

			// Share the host package cache for the duration of pacstrap.
			cache := filepath.Join(root, "var/cache/pacman/pkg")
			if err := os.MkdirAll(cache, 0o755); err != nil {
				return err
			}
			cacheMount := cfmount.Bind("/var/cache/pacman/pkg", cache)
			if err := cacheMount.Run(); err != nil && err != cnst.ErrAlreadyMounted {
				return err
			}
			args := append([]string{"-K", root}, s.Config.Packages.Sorted()...)
			_, pacErr := s.runner.Run("pacstrap", args...)
			s.LogIfError(cacheMount.Release(), "releasing package cache bind mount")
			if pacErr != nil {
				return pacErr
			}

			utils.Log.Info().Msg("Relocating pacman state")
			if err := os.Rename(filepath.Join(root, "var/lib/pacman"), filepath.Join(root, "pacman")); err != nil {
				return err
			}
			// /current -> . makes /current/pacman resolve inside the
			// build chroot; at runtime the hook points /current at the
			// booted generation instead.
			if err := ForceSymlink(filepath.Join(root, "current"), "."); err != nil {
				return err
			}

			// /var belongs to the persistent volume, not the generation.
			if err := os.RemoveAll(s.varMount()); err != nil {
				return err
			}
			if err := os.MkdirAll(s.varMount(), 0o755); err != nil {
				return err
			}
			if err := s.mountVar(); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Join(s.varMount(), "lib"), 0o755); err != nil {
				return err
			}
			if err := ForceSymlink(filepath.Join(s.varMount(), "lib/pacman"), "../../../current/pacman"); err != nil {
				return err
			}

			s.Phase = PhasePopulated
			return nil
		}))
}

// ConfigureDagStep applies the declared files into a freshly populated
// generation and runs the in-chroot configuration commands.
func (s *State) ConfigureDagStep(g *herd.Graph, deps ...string) error {
	return g.Add(cnst.OpConfigure,
		herd.WithDeps(deps...),
		herd.WithCallback(func(_ context.Context) error {
			root := s.BuildRoot()

			for _, p := range sortedPaths(s.Config.Files) {
				utils.Log.Debug().Str("path", p).Msg("Applying file")
				if err := WriteEntry(root, p, s.Config.Files[p]); err != nil {
					return err
				}
			}

			chroot := utils.NewChroot(root)
			if err := chroot.Prepare(); err != nil {
				return err
			}
			defer func() { s.LogIfError(chroot.Close(), "closing chroot") }()

			for _, cmd := range [][]string{
				{"hwclock", "--systohc"},
				{"locale-gen"},
				{"passwd", "-d", "root"},
				{"mkinitcpio", "-P"},
				{"grub-install", "--target=x86_64-efi", "--efi-directory=/efi",
					"--boot-directory=/efi", "--bootloader-id=GRUB", "--removable"},
			} {
				if _, err := chroot.Run(cmd[0], cmd[1:]...); err != nil {
					return err
				}
			}

			if err := s.writeTmpfilesOverrides(); err != nil {
				return err
			}
			if err := os.Chmod(filepath.Join(s.varMount(), "lib/machines"), 0o755); err != nil && !os.IsNotExist(err) {
				return err
			}
			if err := ForceSymlink(filepath.Join(root, "etc/resolv.conf"), "/run/systemd/resolve/stub-resolv.conf"); err != nil {
				return err
			}
			if err := ForceSymlink(filepath.Join(root, "etc/mtab"), "/proc/mounts"); err != nil {
				return err
			}

			s.Phase = PhaseConfigured
			return nil
		}))
}

// ApplyDiffDagStep transforms a snapshot of the current generation into
// the desired one: package changes through pacman, then file changes,
// then the derived regenerations only when their inputs changed.
func (s *State) ApplyDiffDagStep(g *herd.Graph, deps ...string) error {
	return g.Add(cnst.OpApplyDiff,
		herd.WithDeps(deps...),
		herd.WithCallback(func(_ context.Context) error {
			root := s.BuildRoot()
			diff := s.Diff

			if err := s.mountVar(); err != nil {
				return err
			}

			chroot := utils.NewChroot(root)
			if err := chroot.Prepare(); err != nil {
				return err
			}
			defer func() { s.LogIfError(chroot.Close(), "closing chroot") }()

			if len(diff.PackagesToInstall) > 0 || len(diff.PackagesToRemove) > 0 {
				if _, err := chroot.Run("pacman", "-Sy", "--noconfirm"); err != nil {
					return err
				}
			}
			if len(diff.PackagesToRemove) > 0 {
				utils.Log.Info().Strs("packages", diff.PackagesToRemove).Msg("Removing packages")
				args := append([]string{"-Rns", "--noconfirm"}, diff.PackagesToRemove...)
				if _, err := chroot.Run("pacman", args...); err != nil {
					return err
				}
			}
			if len(diff.PackagesToInstall) > 0 {
				utils.Log.Info().Strs("packages", diff.PackagesToInstall).Msg("Installing packages")
				args := append([]string{"-S", "--noconfirm"}, diff.PackagesToInstall...)
				if _, err := chroot.Run("pacman", args...); err != nil {
					return err
				}
			}
			if s.Opts.Upgrade {
				utils.Log.Info().Msg("Upgrading system packages")
				if _, err := chroot.Run("pacman", "-Syu", "--noconfirm"); err != nil {
					return err
				}
			}
			s.Phase = PhasePopulated

			changed := map[string]bool{}
			for _, set := range []map[string]config.Entry{diff.FilesToAdd, diff.FilesToUpdate} {
				for _, p := range sortedPaths(set) {
					utils.Log.Debug().Str("path", p).Msg("Applying file change")
					if err := WriteEntry(root, p, set[p]); err != nil {
						return err
					}
					changed[p] = true
				}
			}
			for _, p := range sortedPaths(diff.FilesToRemove) {
				utils.Log.Debug().Str("path", p).Msg("Removing file")
				if err := RemoveEntry(root, p); err != nil {
					return err
				}
			}

			needsInitramfs := false
			for _, p := range config.EarlyBootPaths() {
				if changed[p] {
					needsInitramfs = true
				}
			}
			if needsInitramfs {
				utils.Log.Info().Msg("Regenerating initramfs")
				if _, err := chroot.Run("mkinitcpio", "-P"); err != nil {
					return err
				}
			}
			if changed[config.LocaleGenPath] {
				utils.Log.Info().Msg("Regenerating locales")
				if _, err := chroot.Run("locale-gen"); err != nil {
					return err
				}
			}

			s.Phase = PhaseConfigured
			return nil
		}))
}

// ConfigureUsersDagStep materializes the declared accounts: account
// database entries in the generation, homes and home files in the
// persistent home volume.
func (s *State) ConfigureUsersDagStep(g *herd.Graph, deps ...string) error {
	return g.Add(cnst.OpConfigureUsers,
		herd.WithDeps(deps...),
		herd.WithCallback(func(_ context.Context) error {
			if len(s.Config.Users) == 0 {
				return nil
			}
			if err := s.mountOp("home", cfmount.Subvolume(s.RootDevice, s.homeMount(), cnst.HomeSubvolume)); err != nil {
				return err
			}
			for _, u := range s.Config.Users {
				utils.Log.Info().Str("user", u.Name).Strs("groups", u.Groups.Sorted()).Msg("Configuring user")
				if err := ConfigureUser(u, s.BuildRoot(), s.homeMount()); err != nil {
					return err
				}
			}
			return nil
		}))
}

// WriteMarkerDagStep commits the build. The metadata record goes first;
// the marker is the very last write into the generation, nothing may
// touch it afterwards.
func (s *State) WriteMarkerDagStep(g *herd.Graph, deps ...string) error {
	return g.Add(cnst.OpWriteMarker,
		herd.WithDeps(deps...),
		herd.WithCallback(func(_ context.Context) error {
			mode := generation.ModeIncremental
			if s.Fresh {
				mode = generation.ModeFresh
			}
			meta := generation.Metadata{
				BuildID:  s.BuildID,
				Mode:     mode,
				Packages: len(s.Config.Packages),
				BuiltAt:  time.Now(),
			}
			if err := s.store.WriteMetadata(s.BuildRoot(), meta); err != nil {
				return err
			}
			if err := s.store.WriteMarker(s.BuildRoot(), s.Config); err != nil {
				return err
			}
			s.Phase = PhaseMarkedComplete
			utils.Log.Info().Int("generation", s.NewGen).Msg("Generation complete")
			return nil
		}))
}

// BootMenuDagStep regenerates the boot menu from the now-current set of
// complete generations.
func (s *State) BootMenuDagStep(g *herd.Graph, deps ...string) error {
	return g.Add(cnst.OpBootMenu,
		herd.WithDeps(deps...),
		herd.WithCallback(func(_ context.Context) error {
			gens, err := s.store.List()
			if err != nil {
				return err
			}
			utils.Log.Info().Int("generations", len(gens)).Msg("Writing boot menu")
			return bootmenu.Write(s.espMount(), bootmenu.Render(s.RootUUID, gens))
		}))
}

// PruneDagStep applies the retention policy now that the new generation
// counts as complete.
func (s *State) PruneDagStep(g *herd.Graph, deps ...string) error {
	return g.Add(cnst.OpPrune,
		herd.WithDeps(deps...),
		herd.WithCallback(func(_ context.Context) error {
			deleted, err := s.store.Collect(s.Settings.GC)
			if err != nil {
				return err
			}
			if len(deleted) > 0 {
				utils.Log.Info().Ints("generations", deleted).Msg("Pruned generations")
			}
			return nil
		}))
}

// LiveSwitchDagStep flips the running system's current-generation
// symlink to the new build, when requested and when the running root is
// actually managed by us. The flip is symlink-then-rename, so readers
// always see either the old or the new target.
func (s *State) LiveSwitchDagStep(g *herd.Graph, deps ...string) error {
	return g.Add(cnst.OpLiveSwitch,
		herd.WithDeps(deps...),
		herd.WithCallback(func(_ context.Context) error {
			if !s.Opts.Switch {
				return nil
			}
			current := "/current"
			if fi, err := os.Lstat(current); err != nil || fi.Mode()&os.ModeSymlink == 0 {
				utils.Log.Warn().Msg("Running system is not generation-managed, skipping live switch")
				return nil
			}
			target := filepath.Join("images", filepath.Base(s.store.Path(s.NewGen)))
			tmp := current + ".new"
			if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
				return err
			}
			if err := os.Symlink(target, tmp); err != nil {
				return err
			}
			utils.Log.Info().Str("target", target).Msg("Switching live system")
			return os.Rename(tmp, current)
		}))
}

var rootTmpfilesLine = regexp.MustCompile(`(?m)^[df].*\s/root.*\n`)

// writeTmpfilesOverrides adjusts the stock tmpfiles.d fragments for the
// tmpfs-root layout: /etc/mtab must not be force-recreated over our
// symlink, and /root is a symlink into the home volume rather than a
// directory.
func (s *State) writeTmpfilesOverrides() error {
	root := s.BuildRoot()
	overrides := filepath.Join(root, "etc/tmpfiles.d")
	if err := os.MkdirAll(overrides, 0o755); err != nil {
		return err
	}

	etcConf, err := os.ReadFile(filepath.Join(root, "usr/lib/tmpfiles.d/etc.conf"))
	if err != nil {
		return err
	}
	patched := []byte(strings.ReplaceAll(string(etcConf), "L+ /etc/mtab", "L /etc/mtab"))
	if err := os.WriteFile(filepath.Join(overrides, "etc.conf"), patched, 0o644); err != nil {
		return err
	}

	provConf, err := os.ReadFile(filepath.Join(root, "usr/lib/tmpfiles.d/provision.conf"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	stripped := rootTmpfilesLine.ReplaceAllString(string(provConf), "")
	return os.WriteFile(filepath.Join(overrides, "provision.conf"), []byte(stripped), 0o644)
}
