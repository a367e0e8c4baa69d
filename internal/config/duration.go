package config

import (
	"fmt"
	"strconv"
	"time"
)

// Duration parses YAML values like "30s" or "4h". Bare integers are taken
// as seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var n int64
	if err := unmarshal(&n); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\" or a number of seconds")
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		// A quoted digit string still counts as seconds.
		secs, perr := strconv.ParseInt(s, 10, 64)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	*d = Duration(v)
	return nil
}

// Std converts to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }
