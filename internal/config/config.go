// Package config loads the bridge configuration from YAML.
package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"changestream-cdc/internal/schema"
)

type Config struct {
	MySQL         MySQLConfig          `yaml:"mysql"`
	Binlog        BinlogConfig         `yaml:"binlog"`
	NATS          NATSConfig           `yaml:"nats"`
	Store         StoreConfig          `yaml:"store"`
	ChangeStreams []ChangeStreamConfig `yaml:"change_streams"`
	Logging       LoggingConfig        `yaml:"logging"`
}

type MySQLConfig struct {
	Host      string   `yaml:"host"`
	Port      int      `yaml:"port"`
	User      string   `yaml:"user"`
	Password  string   `yaml:"password"`
	ServerID  uint32   `yaml:"server_id"`
	Flavor    string   `yaml:"flavor"` // mysql, mariadb
	Databases []string `yaml:"databases"`
}

type BinlogConfig struct {
	PositionFile  string `yaml:"position_file"`
	StartPosition uint32 `yaml:"start_position"`
}

type NATSConfig struct {
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	MaxReconnect  int           `yaml:"max_reconnect"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// StoreConfig selects the row store. An empty Path keeps rows in memory.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// ChangeStreamConfig declares one change stream over MySQL tables.
type ChangeStreamConfig struct {
	Name             string               `yaml:"name"`
	ForAll           bool                 `yaml:"for_all"`
	Tables           []TrackedTableConfig `yaml:"tables"`
	ValueCaptureType string               `yaml:"value_capture_type"`
}

// TrackedTableConfig matches tables by database and table name. An empty
// Database or Table matches every database or table; matching ignores case.
type TrackedTableConfig struct {
	Database   string   `yaml:"database"`
	Table      string   `yaml:"table"`
	Columns    []string `yaml:"columns"`
	AllColumns bool     `yaml:"all_columns"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// LoadConfig reads and validates the YAML config at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	if config.NATS.ReconnectWait == 0 {
		config.NATS.ReconnectWait = 2 * time.Second
	}
	if config.NATS.SubjectPrefix == "" {
		config.NATS.SubjectPrefix = "changestream"
	}
	if config.MySQL.Flavor == "" {
		config.MySQL.Flavor = "mysql"
	}
	if config.MySQL.Port == 0 {
		config.MySQL.Port = 3306
	}
	if config.Binlog.PositionFile == "" {
		config.Binlog.PositionFile = "binlog.pos"
	}
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks the change stream declarations.
func (c *Config) Validate() error {
	if len(c.ChangeStreams) == 0 {
		return errors.New("no change_streams configured")
	}
	seen := make(map[string]bool, len(c.ChangeStreams))
	for i, cs := range c.ChangeStreams {
		if cs.Name == "" {
			return errors.Newf("change stream %d: missing name", i)
		}
		if seen[cs.Name] {
			return errors.Newf("change stream %q declared twice", cs.Name)
		}
		seen[cs.Name] = true
		if _, err := schema.ParseValueCaptureType(cs.ValueCaptureType); err != nil {
			return errors.Wrapf(err, "change stream %q", cs.Name)
		}
		if cs.ForAll && len(cs.Tables) > 0 {
			return errors.Newf("change stream %q: cannot specify both 'for_all' and 'tables'", cs.Name)
		}
		if !cs.ForAll && len(cs.Tables) == 0 {
			return errors.Newf("change stream %q: needs 'for_all' or 'tables'", cs.Name)
		}
		for j, t := range cs.Tables {
			if t.AllColumns && len(t.Columns) > 0 {
				return errors.Newf("change stream %q table %d: cannot specify both 'columns' and 'all_columns'", cs.Name, j)
			}
			if len(t.Columns) > 0 && (t.Database == "" || t.Table == "") {
				return errors.Newf("change stream %q table %d: 'columns' needs an exact database and table", cs.Name, j)
			}
		}
	}
	return nil
}
