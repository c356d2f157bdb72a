package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/darch-io/darch/internal/constants"
)

// Config is the declarative description of the desired system: package
// set, file/symlink tree, initramfs modules and user accounts. Its
// canonical JSON form doubles as the generation completion marker, so
// decode followed by encode must be byte-identical.
type Config struct {
	Packages         StringSet        `json:"packages"`
	Files            map[string]Entry `json:"files"`
	InitramfsModules StringSet        `json:"initramfs_modules"`
	Users            []*User          `json:"users,omitempty"`
}

// New returns a Config seeded with the minimum package set and the
// default initramfs modules.
func New() *Config {
	return &Config{
		Packages:         NewStringSet(constants.MinimumPackages()...),
		Files:            map[string]Entry{},
		InitramfsModules: NewStringSet(constants.DefaultInitramfsModules()...),
	}
}

// AddPackages adds packages to install.
func (c *Config) AddPackages(names ...string) *Config {
	c.Packages.Add(names...)
	return c
}

// AddFile adds a file with content. Re-adding the same path overwrites.
func (c *Config) AddFile(path, content string) *Config {
	c.Files[path] = NewFile(content)
	return c
}

func (c *Config) AddFileWithMode(path, content string, mode uint32) *Config {
	c.Files[path] = NewFileWithMode(content, mode)
	return c
}

// AddSymlink adds a symlink.
func (c *Config) AddSymlink(path, target string) *Config {
	c.Files[path] = NewSymlink(target)
	return c
}

// AddModules adds kernel modules to the initramfs.
func (c *Config) AddModules(names ...string) *Config {
	c.InitramfsModules.Add(names...)
	return c
}

// EnableService enables a systemd unit via the wants symlink.
func (c *Config) EnableService(name string) *Config {
	name = unitName(name)
	return c.AddSymlink(
		fmt.Sprintf("/etc/systemd/system/multi-user.target.wants/%s", name),
		fmt.Sprintf("/usr/lib/systemd/system/%s", name),
	)
}

// MaskService masks a systemd unit (symlink to /dev/null).
func (c *Config) MaskService(name string) *Config {
	return c.AddSymlink(fmt.Sprintf("/etc/systemd/system/%s", unitName(name)), "/dev/null")
}

func (c *Config) SetTimezone(tz string) *Config {
	return c.AddSymlink("/etc/localtime", fmt.Sprintf("/usr/share/zoneinfo/%s", tz))
}

// SetLocales generates /etc/locale.gen for every given locale and sets
// the first one as LANG.
func (c *Config) SetLocales(locales ...string) *Config {
	if len(locales) == 0 {
		return c
	}
	var gen strings.Builder
	for _, l := range locales {
		fmt.Fprintf(&gen, "%s UTF-8\n", l)
	}
	c.AddFile("/etc/locale.gen", gen.String())
	return c.AddFile("/etc/locale.conf", fmt.Sprintf("LANG=%s\n", locales[0]))
}

func (c *Config) SetKeymap(keymap string) *Config {
	return c.AddFile("/etc/vconsole.conf", fmt.Sprintf("KEYMAP=%s\n", keymap))
}

// SetHostname sets the hostname and generates /etc/hosts.
func (c *Config) SetHostname(hostname string) *Config {
	c.AddFile("/etc/hostname", hostname+"\n")
	hosts := fmt.Sprintf(`127.0.0.1   localhost
::1         localhost
127.0.1.1   %s.localdomain %s
`, hostname, hostname)
	return c.AddFile("/etc/hosts", hosts)
}

// AddUser registers a user record. Re-adding a name replaces it.
func (c *Config) AddUser(u *User) *Config {
	for i, existing := range c.Users {
		if existing.Name == u.Name {
			c.Users[i] = u
			return c
		}
	}
	c.Users = append(c.Users, u)
	return c
}

// Validate checks consistency invariants: absolute file paths, users
// confined to their homes, the minimum package set present.
func (c *Config) Validate() error {
	for p := range c.Files {
		if !filepath.IsAbs(p) {
			return fmt.Errorf("file path %q is not absolute", p)
		}
	}
	for _, pkg := range constants.MinimumPackages() {
		if !c.Packages.Has(pkg) {
			return fmt.Errorf("required package %q missing from config", pkg)
		}
	}
	for _, u := range c.Users {
		if err := u.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ToJSON serializes the config to its canonical form: sorted keys,
// two-space indent, trailing newline.
func (c *Config) ToJSON() ([]byte, error) {
	out, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}

// FromJSON parses a stored config. The result re-encodes byte-identical
// to the input, which is what makes it usable as the old side of a diff.
func FromJSON(data []byte) (*Config, error) {
	c := &Config{}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, err
	}
	if c.Files == nil {
		c.Files = map[string]Entry{}
	}
	if c.Packages == nil {
		c.Packages = StringSet{}
	}
	if c.InitramfsModules == nil {
		c.InitramfsModules = StringSet{}
	}
	return c, nil
}

func unitName(name string) string {
	for _, suffix := range []string{".service", ".socket", ".timer", ".path", ".mount"} {
		if strings.HasSuffix(name, suffix) {
			return name
		}
	}
	return name + ".service"
}
