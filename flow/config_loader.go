package flow

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/goliatone/go-safeflow"
)

// SettingsSet is the file form of the per activity settings table.
type SettingsSet struct {
	Version    int                         `json:"version" yaml:"version"`
	Activities []safeflow.ActivitySettings `json:"activities" yaml:"activities"`
}

// Validate checks every entry and rejects duplicate names.
func (s SettingsSet) Validate() error {
	seen := make(map[string]bool, len(s.Activities))
	for i, settings := range s.Activities {
		if err := settings.Validate(); err != nil {
			return fmt.Errorf("activities[%d]: %w", i, err)
		}
		key := strings.ToLower(strings.TrimSpace(settings.Name))
		if seen[key] {
			return safeflow.ValidationError("duplicate settings for " + settings.Name)
		}
		seen[key] = true
	}
	return nil
}

// ParseSettingsSet parses JSON or YAML into a SettingsSet. Durations are
// written the way time.ParseDuration reads them, e.g. "5m".
func ParseSettingsSet(data []byte) (SettingsSet, error) {
	var set SettingsSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		// yaml reads JSON as well
		return set, err
	}
	return set, set.Validate()
}

// ImportSettings writes every entry of set through w.
func ImportSettings(ctx context.Context, w SettingsWriter, set SettingsSet) (int, error) {
	if err := set.Validate(); err != nil {
		return 0, err
	}
	for i, settings := range set.Activities {
		if err := w.WriteSettings(ctx, settings); err != nil {
			return i, fmt.Errorf("write settings %s: %w", settings.Name, err)
		}
	}
	return len(set.Activities), nil
}
