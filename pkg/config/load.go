package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Builder is the compiled-unit configuration contract: anything that
// produces one Config value. The CLI uses the YAML loader; embedders
// can pass a Builder instead.
type Builder func() (*Config, error)

type fileSpec struct {
	Content string  `yaml:"content"`
	Mode    *uint32 `yaml:"mode"`
	Symlink string  `yaml:"symlink"`
}

type userSpec struct {
	Name         string              `yaml:"name"`
	UID          *int                `yaml:"uid"`
	Shell        string              `yaml:"shell"`
	PasswordHash string              `yaml:"password_hash"`
	Groups       []string            `yaml:"groups"`
	Files        map[string]fileSpec `yaml:"files"`
}

type fileConfig struct {
	Hostname string   `yaml:"hostname"`
	Timezone string   `yaml:"timezone"`
	Locales  []string `yaml:"locales"`
	Keymap   string   `yaml:"keymap"`
	Packages []string `yaml:"packages"`
	Modules  []string `yaml:"modules"`
	Services struct {
		Enable []string `yaml:"enable"`
		Mask   []string `yaml:"mask"`
	} `yaml:"services"`
	Files map[string]fileSpec `yaml:"files"`
	Users []userSpec          `yaml:"users"`
}

// Load reads a user-authored YAML configuration and produces a Config
// with the darch-owned system files injected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var spec fileConfig
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	c := New()
	if spec.Hostname != "" {
		c.SetHostname(spec.Hostname)
	}
	if spec.Timezone != "" {
		c.SetTimezone(spec.Timezone)
	}
	if len(spec.Locales) > 0 {
		c.SetLocales(spec.Locales...)
	}
	if spec.Keymap != "" {
		c.SetKeymap(spec.Keymap)
	}
	c.AddPackages(spec.Packages...)
	c.AddModules(spec.Modules...)
	for _, s := range spec.Services.Enable {
		c.EnableService(s)
	}
	for _, s := range spec.Services.Mask {
		c.MaskService(s)
	}
	for p, f := range spec.Files {
		if err := addSpecEntry(c.Files, p, f); err != nil {
			return nil, fmt.Errorf("file %s: %w", p, err)
		}
	}
	for _, us := range spec.Users {
		u := NewUser(us.Name)
		if us.UID != nil {
			u.UID = *us.UID
		}
		if us.Shell != "" {
			u.Shell = us.Shell
		}
		u.PasswordHash = us.PasswordHash
		u.AddGroups(us.Groups...)
		for p, f := range us.Files {
			if err := addSpecEntry(u.Files, normalizeHomePath(p), f); err != nil {
				return nil, fmt.Errorf("user %s file %s: %w", us.Name, p, err)
			}
		}
		c.AddUser(u)
	}

	c.EnsureSystemFiles()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func addSpecEntry(dst map[string]Entry, path string, f fileSpec) error {
	switch {
	case f.Symlink != "" && f.Content != "":
		return fmt.Errorf("entry has both content and symlink")
	case f.Symlink != "":
		dst[path] = NewSymlink(f.Symlink)
	case f.Mode != nil:
		dst[path] = NewFileWithMode(f.Content, *f.Mode)
	default:
		dst[path] = NewFile(f.Content)
	}
	return nil
}
