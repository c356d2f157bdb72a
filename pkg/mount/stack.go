package mount

import (
	"github.com/hashicorp/go-multierror"

	"github.com/darch-io/darch/internal/utils"
)

// Stack tracks acquired resources and releases them in reverse order,
// which keeps the nesting discipline: a generation subvolume unmounts
// before the generations volume that contains it.
type Stack struct {
	releases []release
}

type release struct {
	name string
	fn   func() error
}

func (s *Stack) Push(name string, fn func() error) {
	s.releases = append(s.releases, release{name: name, fn: fn})
}

// Release unwinds the stack. Failures are aggregated and reported, but
// never stop the remaining teardown.
func (s *Stack) Release() error {
	var errs *multierror.Error
	for i := len(s.releases) - 1; i >= 0; i-- {
		r := s.releases[i]
		utils.Log.Debug().Str("what", r.name).Msg("Releasing")
		if err := r.fn(); err != nil {
			utils.Log.Warn().Err(err).Str("what", r.name).Msg("Release failed")
			errs = multierror.Append(errs, err)
		}
	}
	s.releases = nil
	return errs.ErrorOrNil()
}
