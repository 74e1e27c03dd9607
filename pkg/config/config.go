// Package config loads process configuration from an optional YAML file,
// layered under CLI-flag overrides, mirroring
// original_source/AmbP3/config.py's DefaultConfig/Config split.
package config

import (
	"os"

	"gopkg.in/yaml.v2"
)

const (
	DefaultIP   = "127.0.0.1"
	DefaultPort = 10000
)

// Config is the surrounding collaborator's full configuration surface
// (spec.md §6 "CLI surface" plus the MySQL/Redis connection settings every
// component needs). Field names match the YAML keys.
type Config struct {
	IP         string `yaml:"ip"`
	Port       int    `yaml:"port"`
	RawLogFile string `yaml:"file"`
	DebugFile  string `yaml:"debug_file"`

	MySQLBackend bool   `yaml:"mysql_backend"`
	MySQLHost    string `yaml:"mysql_host"`
	MySQLPort    int    `yaml:"mysql_port"`
	MySQLUser    string `yaml:"mysql_user"`
	MySQLDB      string `yaml:"mysql_db"`
	MySQLPass    string `yaml:"mysql_password"`

	RedisAddr string `yaml:"redis_addr"`
	RedisPass string `yaml:"redis_password"`
	RedisDB   int    `yaml:"redis_db"`

	SkipCRCCheck bool `yaml:"skip_crc_check"`
}

// Default returns the built-in configuration defaults
// (original_source/AmbP3/config.py's DefaultConfig dict).
func Default() Config {
	return Config{
		IP:           DefaultIP,
		Port:         DefaultPort,
		MySQLHost:    "127.0.0.1",
		MySQLPort:    3306,
		RedisAddr:    "localhost:6379",
		SkipCRCCheck: true,
	}
}

// Overrides carries the CLI-flag values a caller parsed; a nil pointer
// field means "not set on the command line" and must not override the
// YAML/default value (original's "None values removed" rule).
type Overrides struct {
	IP         *string
	Port       *int
	RawLogFile *string
	DebugFile  *string
}

// Load starts from Default(), layers in path's YAML contents if it exists
// and parses to a non-empty map, then applies non-nil CLI overrides on top.
// A missing config file is not an error: the defaults (and any overrides)
// still apply.
func Load(path string, ov Overrides) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			// Unmarshal into the already-defaulted struct: yaml.v2 only
			// assigns fields present in the document, so an omitted key
			// keeps its default rather than zeroing (the behavior
			// original_source/tests/unit/test_config.py's "none values
			// removed" cases rely on).
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, err
			}
		case !os.IsNotExist(err):
			return cfg, err
		}
	}

	if ov.IP != nil {
		cfg.IP = *ov.IP
	}
	if ov.Port != nil {
		cfg.Port = *ov.Port
	}
	if ov.RawLogFile != nil {
		cfg.RawLogFile = *ov.RawLogFile
	}
	if ov.DebugFile != nil {
		cfg.DebugFile = *ov.DebugFile
	}
	return cfg, nil
}
