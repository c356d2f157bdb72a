package build

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/darch-io/darch/internal/constants"
	"github.com/darch-io/darch/internal/utils"
	"github.com/darch-io/darch/pkg/config"
)

// ConfigureUser rewrites the generation's account database to contain
// the declared user and creates their home in the persistent home
// volume. The base system entries written by the package manager are
// kept, only the managed user's lines are replaced.
func ConfigureUser(u *config.User, genRoot, homeDir string) error {
	etc := filepath.Join(genRoot, "etc")

	passwd, err := readAccountLines(filepath.Join(etc, "passwd"), u.Name)
	if err != nil {
		return err
	}
	shadow, err := readAccountLines(filepath.Join(etc, "shadow"), u.Name)
	if err != nil {
		return err
	}
	group, err := readAccountLines(filepath.Join(etc, "group"), u.Name)
	if err != nil {
		return err
	}
	gshadow, err := readAccountLines(filepath.Join(etc, "gshadow"), u.Name)
	if err != nil {
		return err
	}

	passwd = append(passwd, fmt.Sprintf("%s:x:%d:%d::/home/%s:%s", u.Name, u.UID, u.UID, u.Name, u.Shell))
	hash := u.PasswordHash
	if hash == "" {
		hash = "!"
	}
	shadow = append(shadow, fmt.Sprintf("%s:%s:19000:0:99999:7:::", u.Name, hash))
	group = append(group, fmt.Sprintf("%s:x:%d:", u.Name, u.UID))
	gshadow = append(gshadow, fmt.Sprintf("%s:!::", u.Name))

	// Append the user to the member list of each supplementary group.
	for i, line := range group {
		parts := strings.Split(line, ":")
		if len(parts) < 4 || !u.Groups.Has(parts[0]) {
			continue
		}
		members := utils.CleanupSlice(strings.Split(parts[3], ","))
		members = utils.UniqueSlice(append(members, u.Name))
		parts[3] = strings.Join(members, ",")
		group[i] = strings.Join(parts, ":")
	}

	if err := writeAccountLines(filepath.Join(etc, "passwd"), passwd, 0o644); err != nil {
		return err
	}
	if err := writeAccountLines(filepath.Join(etc, "shadow"), shadow, 0o600); err != nil {
		return err
	}
	if err := writeAccountLines(filepath.Join(etc, "group"), group, 0o644); err != nil {
		return err
	}
	if err := writeAccountLines(filepath.Join(etc, "gshadow"), gshadow, 0o600); err != nil {
		return err
	}

	home := filepath.Join(homeDir, u.Name)
	if _, err := os.Stat(home); os.IsNotExist(err) {
		if err := os.MkdirAll(home, 0o700); err != nil {
			return err
		}
		if err := os.Chmod(home, 0o700); err != nil {
			return err
		}
		if err := os.Chown(home, u.UID, u.UID); err != nil {
			return err
		}
		utils.Log.Info().Str("user", u.Name).Str("home", home).Msg("Created home directory")
	}

	return applyUserFiles(u, home)
}

// applyUserFiles writes the user's declared home files. Paths were
// validated at config load, but the confinement check is repeated here
// against the resolved path before anything is written.
func applyUserFiles(u *config.User, home string) error {
	for p, entry := range u.Files {
		target := filepath.Join(home, p)
		if !strings.HasPrefix(filepath.Clean(target), filepath.Clean(home)+string(os.PathSeparator)) {
			return fmt.Errorf("user %s file %q: %w", u.Name, p, constants.ErrPathEscape)
		}
		if err := WriteEntry(home, p, entry); err != nil {
			return err
		}
		if err := chownTree(filepath.Join(home, firstSegment(p)), u.UID); err != nil {
			return err
		}
	}
	return nil
}

func chownTree(path string, uid int) error {
	return filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return os.Lchown(p, uid, uid)
		}
		return os.Chown(p, uid, uid)
	})
}

func firstSegment(p string) string {
	clean := filepath.Clean(p)
	if i := strings.IndexByte(clean, filepath.Separator); i > 0 {
		return clean[:i]
	}
	return clean
}

func readAccountLines(path, skipUser string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" || strings.HasPrefix(line, skipUser+":") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func writeAccountLines(path string, lines []string, mode os.FileMode) error {
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), mode); err != nil {
		return err
	}
	return os.Chmod(path, mode)
}
