package config

import "encoding/json"

// Diff holds the differences between two configs. It is derived and
// never stored.
type Diff struct {
	PackagesToInstall []string
	PackagesToRemove  []string
	FilesToAdd        map[string]Entry
	FilesToRemove     map[string]Entry
	FilesToUpdate     map[string]Entry
	UsersChanged      bool
}

// Compute compares two configs. Pure: both sides may come from
// unmounted, deserialized state.
func Compute(old, new *Config) *Diff {
	d := &Diff{
		PackagesToInstall: new.Packages.Minus(old.Packages),
		PackagesToRemove:  old.Packages.Minus(new.Packages),
		FilesToAdd:        map[string]Entry{},
		FilesToRemove:     map[string]Entry{},
		FilesToUpdate:     map[string]Entry{},
	}
	for p, e := range new.Files {
		oldEntry, ok := old.Files[p]
		switch {
		case !ok:
			d.FilesToAdd[p] = e
		case !oldEntry.Equal(e):
			d.FilesToUpdate[p] = e
		}
	}
	for p, e := range old.Files {
		if _, ok := new.Files[p]; !ok {
			d.FilesToRemove[p] = e
		}
	}
	d.UsersChanged = usersChanged(old.Users, new.Users)
	return d
}

// HasChanges reports whether any of the five difference sets is
// non-empty. User record changes are a separate input to the
// needs-build decision.
func (d *Diff) HasChanges() bool {
	return len(d.PackagesToInstall) > 0 ||
		len(d.PackagesToRemove) > 0 ||
		len(d.FilesToAdd) > 0 ||
		len(d.FilesToRemove) > 0 ||
		len(d.FilesToUpdate) > 0
}

// usersChanged compares the serialized form, which is structural
// equality for the canonical encoding.
func usersChanged(old, new []*User) bool {
	a, _ := json.Marshal(old)
	b, _ := json.Marshal(new)
	return string(a) != string(b)
}
