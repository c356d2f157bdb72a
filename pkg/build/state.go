package build

import (
	"fmt"
	"path/filepath"

	"github.com/gofrs/uuid"
	"github.com/spectrocloud-labs/herd"

	cnst "github.com/darch-io/darch/internal/constants"
	"github.com/darch-io/darch/internal/utils"
	"github.com/darch-io/darch/pkg/config"
	"github.com/darch-io/darch/pkg/generation"
	cfmount "github.com/darch-io/darch/pkg/mount"
)

// Phase tracks how far a build got. It only moves forward; the marker
// write is the single transition that makes the generation visible.
type Phase int

const (
	PhaseNotStarted Phase = iota
	PhaseSubvolumeCreated
	PhasePopulated
	PhaseConfigured
	PhaseMarkedComplete
)

// Options are the resolved CLI inputs for one apply run.
type Options struct {
	ConfigPath string
	ImagePath  string
	ImageSize  string
	BtrfsDev   string
	ESPDev     string
	Upgrade    bool
	Rebuild    bool
	Switch     bool
}

// State is the runtime context of one build: devices and identifiers
// discovered during setup, the target generation, and the mounts that
// must be unwound on every exit path.
type State struct {
	Opts     Options
	Settings Settings
	Config   *config.Config

	BuildID    string
	ESPDevice  string
	RootDevice string
	ESPUUID    string
	RootUUID   string

	Fresh      bool
	CurrentGen *generation.Info
	NewGen     int
	Diff       *config.Diff
	Phase      Phase

	runner utils.Runner
	store  *generation.Store
	stack  *cfmount.Stack
}

func NewState(opts Options, settings Settings, cfg *config.Config, runner utils.Runner) *State {
	id, _ := uuid.NewV4()
	return &State{
		Opts:     opts,
		Settings: settings,
		Config:   cfg,
		BuildID:  id.String(),
		runner:   runner,
		stack:    &cfmount.Stack{},
	}
}

// BuildRoot is where the target generation is mounted during the build.
func (s *State) BuildRoot() string {
	return cnst.BuildMountPoint
}

func (s *State) espMount() string {
	return filepath.Join(s.BuildRoot(), "efi")
}

func (s *State) varMount() string {
	return filepath.Join(s.BuildRoot(), "var")
}

func (s *State) homeMount() string {
	return filepath.Join(s.BuildRoot(), "home")
}

// mountOp runs a mount operation and arms its release on the unwind
// stack. An already-mounted target from a previous crashed run is
// unmounted and retried once.
func (s *State) mountOp(name string, op cfmount.Operation) error {
	err := op.Run()
	if err == cnst.ErrAlreadyMounted {
		utils.Log.Warn().Str("where", op.Target).Msg("Stale mount found, remounting")
		if err = cfmount.Unmount(op.Target); err == nil {
			err = op.Run()
		}
	}
	if err != nil {
		return err
	}
	s.stack.Push(name, op.Release)
	return nil
}

// mountImages mounts the @images subvolume and builds the generation
// store over it.
func (s *State) mountImages() error {
	if err := s.mountOp("images", cfmount.Subvolume(s.RootDevice, cnst.ImagesMountPoint, cnst.ImagesSubvolume)); err != nil {
		return err
	}
	s.store = generation.NewStore(cnst.ImagesMountPoint, s.runner)
	return nil
}

// mountVar mounts the persistent @var subvolume over the generation's
// /var mount point.
func (s *State) mountVar() error {
	return s.mountOp("var", cfmount.Subvolume(s.RootDevice, s.varMount(), cnst.VarSubvolume))
}

// Unwind releases everything in reverse acquisition order.
func (s *State) Unwind() error {
	return s.stack.Release()
}

// WriteDAG renders the analyzed graph for logging.
func (s *State) WriteDAG(g *herd.Graph) (out string) {
	for i, layer := range g.Analyze() {
		out += fmt.Sprintf("%d.\n", i+1)
		for _, op := range layer {
			if op.Error != nil {
				out += fmt.Sprintf(" <%s> (error: %s) (run: %t)\n", op.Name, op.Error.Error(), op.Executed)
			} else {
				out += fmt.Sprintf(" <%s> (run: %t)\n", op.Name, op.Executed)
			}
		}
	}
	return
}

// LogIfError logs an error with the given message and keeps going.
func (s *State) LogIfError(e error, msgContext string) {
	if e != nil {
		utils.Log.Err(e).Msg(msgContext)
	}
}
