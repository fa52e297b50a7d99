package config

import (
	"fmt"
	"time"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	Type   string
	EnvVar string
	Value  string
	Secret bool
}

// ShowAll lists every key with its effective value. Secret values are
// masked.
func ShowAll(cfg Config) []KeyInfo {
	result := make([]KeyInfo, 0, len(specs))
	for _, s := range specs {
		val := fmt.Sprintf("%v", s.extract(cfg))
		if s.secret && val != "" {
			val = "********"
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			Type:   s.typ.String(),
			EnvVar: s.env,
			Value:  val,
			Secret: s.secret,
		})
	}
	return result
}

// SetKey validates value against the key's type and writes it to the config
// file.
func SetKey(key, value string) error {
	b, err := openFileBackend(Path())
	if err != nil {
		return err
	}
	return setKey(b, key, value)
}

func setKey(b ConfigBackend, key, value string) error {
	s, ok := lookup(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	if s.secret {
		return fmt.Errorf("cannot set secret %q via config; use environment variable %s", key, s.env)
	}
	v, err := s.parse(value)
	if err != nil {
		return fmt.Errorf("invalid %s value for %s: %w", s.typ, key, err)
	}
	if d, ok := v.(time.Duration); ok {
		v = d.String()
	}
	return b.Set(key, v)
}

// UnsetKey removes key from the config file so its default applies again.
func UnsetKey(key string) error {
	if _, ok := lookup(key); !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	b, err := openFileBackend(Path())
	if err != nil {
		return err
	}
	return b.Delete(key)
}

// ValidKeys returns the list of valid non-secret config key names.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
