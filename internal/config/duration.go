package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML accepts Go duration strings
// ("90s", "15m", "24h") and bare integers meaning seconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalYAML renders the duration as a Go duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML parses either a duration string or integer seconds.
// The int branch runs first: a bare scalar like 45 also decodes as a
// string, which time.ParseDuration would reject for its missing unit.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Tag == "!!int" {
		var secs int64
		if err := node.Decode(&secs); err != nil {
			return fmt.Errorf("invalid duration value at line %d", node.Line)
		}
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}

	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration value at line %d", node.Line)
	}
	parsed, perr := time.ParseDuration(s)
	if perr != nil {
		return fmt.Errorf("invalid duration %q: %w", s, perr)
	}
	*d = Duration(parsed)
	return nil
}
