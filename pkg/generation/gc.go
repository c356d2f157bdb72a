package generation

import (
	"sort"
	"time"

	"github.com/darch-io/darch/internal/constants"
	"github.com/darch-io/darch/internal/utils"
)

// GCPolicy prunes incomplete and stale generations. Zero values for
// KeepMax, MinAge or MaxAge mean unlimited.
type GCPolicy struct {
	KeepMin int
	KeepMax int
	MinAge  time.Duration
	MaxAge  time.Duration
}

func DefaultGCPolicy() GCPolicy {
	return GCPolicy{
		KeepMin: constants.GCKeepMin,
		KeepMax: constants.GCKeepMax,
		MinAge:  constants.GCMinAge,
		MaxAge:  constants.GCMaxAge,
	}
}

// Plan returns the generations to delete, in deletion order. Pure and
// deterministic:
//  1. every incomplete generation goes, unconditionally
//  2. complete generations, oldest first, go when past MaxAge or past
//     KeepMax, but never below KeepMin remaining and never younger
//     than MinAge
func (p GCPolicy) Plan(gens []Info, now time.Time) []Info {
	var doomed []Info

	var complete []Info
	for _, g := range gens {
		if !g.Complete {
			doomed = append(doomed, g)
			continue
		}
		complete = append(complete, g)
	}
	// Oldest first regardless of how the caller ordered the input.
	sort.Slice(complete, func(i, j int) bool {
		return complete[i].Number < complete[j].Number
	})

	if len(complete) <= p.KeepMin {
		return doomed
	}

	remaining := len(complete)
	for _, g := range complete {
		if remaining <= p.KeepMin {
			break
		}
		age := now.Sub(g.CreatedAt)
		if age < p.MinAge {
			continue
		}
		if p.MaxAge > 0 && age > p.MaxAge {
			doomed = append(doomed, g)
			remaining--
			continue
		}
		if p.KeepMax > 0 && remaining > p.KeepMax {
			doomed = append(doomed, g)
			remaining--
		}
	}
	return doomed
}

// Collect applies the policy to the store and returns the deleted
// generation numbers.
func (s *Store) Collect(p GCPolicy) ([]int, error) {
	gens, err := s.List()
	if err != nil {
		return nil, err
	}
	var deleted []int
	for _, g := range p.Plan(gens, time.Now()) {
		if g.Complete {
			utils.Log.Info().Int("generation", g.Number).Time("created", g.CreatedAt).Msg("Pruning old generation")
		} else {
			utils.Log.Info().Int("generation", g.Number).Msg("Deleting incomplete generation")
		}
		if err := s.Delete(g); err != nil {
			return deleted, err
		}
		deleted = append(deleted, g.Number)
	}
	return deleted, nil
}

// SweepIncomplete deletes only the incomplete generations. Run before
// every build so wreckage from interrupted runs never accumulates.
func (s *Store) SweepIncomplete() ([]int, error) {
	gens, err := s.List()
	if err != nil {
		return nil, err
	}
	var deleted []int
	for _, g := range gens {
		if g.Complete {
			continue
		}
		utils.Log.Info().Int("generation", g.Number).Msg("Deleting incomplete generation")
		if err := s.Delete(g); err != nil {
			return deleted, err
		}
		deleted = append(deleted, g.Number)
	}
	return deleted, nil
}
