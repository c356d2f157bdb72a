package build

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/darch-io/darch/internal/constants"
	"github.com/darch-io/darch/internal/utils"
	"github.com/darch-io/darch/pkg/generation"
)

// Settings are the tool's own knobs, as opposed to the declarative
// system config. Defaults come from constants and can be overridden by
// the env file; they are resolved once and passed in explicitly.
type Settings struct {
	LockPath string
	GC       generation.GCPolicy
}

func DefaultSettings() Settings {
	return Settings{
		LockPath: constants.DefaultLockPath,
		GC:       generation.DefaultGCPolicy(),
	}
}

// ReadSettings loads overrides from the env file. A missing file is the
// normal case and yields the defaults; a present but broken value is an
// error, silently ignoring it would hide a misconfigured GC policy.
func ReadSettings(path string) (Settings, error) {
	s := DefaultSettings()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return s, nil
	}
	env, err := utils.ReadEnv(path)
	if err != nil {
		return s, fmt.Errorf("reading %s: %w", path, err)
	}
	utils.Log.Debug().Str("path", path).Msg("Loaded settings overrides")

	if v, ok := env["DARCH_LOCK_PATH"]; ok && v != "" {
		s.LockPath = v
	}
	if err := overrideInt(env, "DARCH_GC_KEEP_MIN", &s.GC.KeepMin); err != nil {
		return s, err
	}
	if err := overrideInt(env, "DARCH_GC_KEEP_MAX", &s.GC.KeepMax); err != nil {
		return s, err
	}
	if err := overrideDays(env, "DARCH_GC_MIN_AGE_DAYS", &s.GC.MinAge); err != nil {
		return s, err
	}
	if err := overrideDays(env, "DARCH_GC_MAX_AGE_DAYS", &s.GC.MaxAge); err != nil {
		return s, err
	}
	return s, nil
}

func overrideInt(env map[string]string, key string, dst *int) error {
	v, ok := env[key]
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fmt.Errorf("%s: invalid value %q", key, v)
	}
	*dst = n
	return nil
}

func overrideDays(env map[string]string, key string, dst *time.Duration) error {
	days := -1
	if err := overrideInt(env, key, &days); err != nil {
		return err
	}
	if days >= 0 {
		*dst = time.Duration(days) * 24 * time.Hour
	}
	return nil
}
