package config

import (
	"fmt"
	"path/filepath"
	"time"

	kverrors "github.com/gxo-labs/kvsettings/pkg/kvsettings/v1/errors"
)

// ValidateConfig performs the checks the JSON schema cannot express. It
// returns every problem found.
func ValidateConfig(c *Config) []error {
	var errs []error

	if c.Cache != nil && c.Cache.Delay != "" {
		d, err := time.ParseDuration(c.Cache.Delay)
		if err != nil {
			errs = append(errs, kverrors.NewValidationError(fmt.Sprintf("invalid format for 'cache.delay': %v", err), nil))
		} else if d < 0 {
			errs = append(errs, kverrors.NewValidationError("'cache.delay' cannot be negative", nil))
		}
	}

	seen := make(map[string]int)
	for i, s := range c.Storages {
		name := fmt.Sprintf("storage %d", i)
		if s.Path == "" {
			errs = append(errs, kverrors.NewValidationError(fmt.Sprintf("%s: 'path' is required", name), nil))
			continue
		}
		if _, err := s.Kind(); err != nil {
			errs = append(errs, kverrors.NewValidationError(fmt.Sprintf("%s ('%s'): %v", name, s.Path, err), err))
		}
		clean := filepath.Clean(s.Path)
		if prev, dup := seen[clean]; dup {
			errs = append(errs, kverrors.NewValidationError(
				fmt.Sprintf("%s: path '%s' is already used by storage %d", name, s.Path, prev), nil))
			continue
		}
		seen[clean] = i
	}
	return errs
}
