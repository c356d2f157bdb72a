package generation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/darch-io/darch/internal/constants"
	"github.com/darch-io/darch/internal/utils"
	"github.com/darch-io/darch/pkg/config"
)

// Info describes one on-disk generation. A generation is complete only
// when the marker (the stored config) exists; everything else is
// wreckage from an interrupted build.
type Info struct {
	Number    int
	Path      string
	Complete  bool
	CreatedAt time.Time
	Meta      *Metadata
}

// Metadata is the optional build record stored next to the marker.
type Metadata struct {
	BuildID  string    `json:"build_id"`
	Mode     string    `json:"mode"`
	Packages int       `json:"packages"`
	BuiltAt  time.Time `json:"built_at"`
}

const (
	ModeFresh       = "fresh"
	ModeIncremental = "incremental"
)

// Store enumerates and manipulates generations inside a mounted
// @images subvolume. Subvolume create/snapshot/delete go through the
// filesystem tool, everything else is plain file I/O.
type Store struct {
	Dir    string
	Runner utils.Runner
}

func NewStore(dir string, runner utils.Runner) *Store {
	return &Store{Dir: dir, Runner: runner}
}

// List returns all generations, complete or not, sorted by number.
func (s *Store) List() ([]Info, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("scanning generations in %s: %w", s.Dir, err)
	}
	var gens []Info
	for _, e := range entries {
		num, ok := parseGenerationName(e.Name())
		if !ok {
			continue
		}
		info := Info{Number: num, Path: filepath.Join(s.Dir, e.Name())}
		if st, err := os.Stat(filepath.Join(info.Path, constants.MarkerFile)); err == nil {
			info.Complete = true
			info.CreatedAt = st.ModTime()
			info.Meta = s.readMetadata(info.Path)
		}
		gens = append(gens, info)
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i].Number < gens[j].Number })
	return gens, nil
}

// Current returns the newest complete generation, or nil when there is
// none yet.
func (s *Store) Current() (*Info, error) {
	gens, err := s.List()
	if err != nil {
		return nil, err
	}
	for i := len(gens) - 1; i >= 0; i-- {
		if gens[i].Complete {
			return &gens[i], nil
		}
	}
	return nil, nil
}

// Next returns the number for a new generation: max existing + 1,
// regardless of completeness, so numbers strictly increase.
func (s *Store) Next() (int, error) {
	gens, err := s.List()
	if err != nil {
		return 0, err
	}
	next := 1
	for _, g := range gens {
		if g.Number >= next {
			next = g.Number + 1
		}
	}
	return next, nil
}

// Path returns the subvolume path for a generation number.
func (s *Store) Path(num int) string {
	return filepath.Join(s.Dir, fmt.Sprintf("%s%d", constants.GenerationPrefix, num))
}

// Create makes an empty generation subvolume. Any leftover subvolume
// with the same number is deleted first.
func (s *Store) Create(num int) error {
	target := s.Path(num)
	if _, err := os.Stat(target); err == nil {
		utils.Log.Info().Str("path", target).Msg("Deleting leftover generation")
		if _, err := s.Runner.Run("btrfs", "subvolume", "delete", target); err != nil {
			return err
		}
	}
	_, err := s.Runner.Run("btrfs", "subvolume", "create", target)
	return err
}

// Snapshot makes a new generation as a copy-on-write snapshot of an
// existing one. The snapshot itself is atomic at the filesystem level.
func (s *Store) Snapshot(from, to int) error {
	target := s.Path(to)
	if _, err := os.Stat(target); err == nil {
		if _, err := s.Runner.Run("btrfs", "subvolume", "delete", target); err != nil {
			return err
		}
	}
	_, err := s.Runner.Run("btrfs", "subvolume", "snapshot", s.Path(from), target)
	return err
}

// Delete removes a generation subvolume.
func (s *Store) Delete(info Info) error {
	_, err := s.Runner.Run("btrfs", "subvolume", "delete", info.Path)
	return err
}

// LoadConfig reads the stored config of a complete generation.
// A complete generation without a parseable config is a consistency
// error.
func (s *Store) LoadConfig(info Info) (*config.Config, error) {
	data, err := os.ReadFile(filepath.Join(info.Path, constants.MarkerFile))
	if os.IsNotExist(err) {
		return nil, constants.ErrNoMarker
	}
	if err != nil {
		return nil, err
	}
	return config.FromJSON(data)
}

// WriteMarker persists the canonical config as the completion marker.
// This is the commit point of a build and must be the last write.
func (s *Store) WriteMarker(genPath string, cfg *config.Config) error {
	data, err := cfg.ToJSON()
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(genPath, constants.MarkerFile), data, 0o644)
}

// RenameInheritedMarker moves a marker inherited through a snapshot
// aside, so a mid-build crash cannot look like success.
func (s *Store) RenameInheritedMarker(genPath string) error {
	marker := filepath.Join(genPath, constants.MarkerFile)
	if _, err := os.Stat(marker); os.IsNotExist(err) {
		return nil
	}
	return os.Rename(marker, marker+constants.PrevMarkerSuffix)
}

// WriteMetadata stores the build record. Written before the marker so
// it is covered by the same completeness rule.
func (s *Store) WriteMetadata(genPath string, meta Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(genPath, constants.MetadataFile), data, 0o644)
}

func (s *Store) readMetadata(genPath string) *Metadata {
	data, err := os.ReadFile(filepath.Join(genPath, constants.MetadataFile))
	if err != nil {
		return nil
	}
	meta := &Metadata{}
	if err := json.Unmarshal(data, meta); err != nil {
		utils.Log.Debug().Err(err).Str("path", genPath).Msg("Unparseable build metadata")
		return nil
	}
	return meta
}

func parseGenerationName(name string) (int, bool) {
	if !strings.HasPrefix(name, constants.GenerationPrefix) {
		return 0, false
	}
	num, err := strconv.Atoi(strings.TrimPrefix(name, constants.GenerationPrefix))
	if err != nil || num < 1 {
		return 0, false
	}
	return num, true
}
