package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/darch-io/darch/internal/constants"
)

// User is a declaratively managed account. Files are home-relative and
// land in the persistent home subvolume, not in the generation.
type User struct {
	Name         string           `json:"name"`
	UID          int              `json:"uid"`
	Shell        string           `json:"shell"`
	PasswordHash string           `json:"password_hash,omitempty"`
	Groups       StringSet        `json:"groups"`
	Files        map[string]Entry `json:"files,omitempty"`
}

func NewUser(name string) *User {
	return &User{
		Name:   name,
		UID:    1000,
		Shell:  "/bin/bash",
		Groups: StringSet{},
		Files:  map[string]Entry{},
	}
}

// AddGroups adds supplementary groups to the user.
func (u *User) AddGroups(names ...string) *User {
	u.Groups.Add(names...)
	return u
}

// AddFile adds a file under the user's home directory. The path is
// home-relative; a leading "~/" is accepted and stripped.
func (u *User) AddFile(path, content string) *User {
	u.Files[normalizeHomePath(path)] = NewFile(content)
	return u
}

func (u *User) AddFileWithMode(path, content string, mode uint32) *User {
	u.Files[normalizeHomePath(path)] = NewFileWithMode(content, mode)
	return u
}

func (u *User) AddSymlink(path, target string) *User {
	u.Files[normalizeHomePath(path)] = NewSymlink(target)
	return u
}

// Validate rejects user file paths that would escape the home
// directory. That is a consistency error requiring operator correction.
func (u *User) Validate() error {
	if u.Name == "" {
		return fmt.Errorf("user with uid %d has no name", u.UID)
	}
	for p := range u.Files {
		clean := filepath.Clean(p)
		if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
			return fmt.Errorf("user %s file %q: %w", u.Name, p, constants.ErrPathEscape)
		}
	}
	return nil
}

func normalizeHomePath(path string) string {
	return strings.TrimPrefix(path, "~/")
}
