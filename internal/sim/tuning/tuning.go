package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Tuning is the server's optional YAML configuration. Flags override
// any value set here.
type Tuning struct {
	TimeoutSeconds    int    `yaml:"timeout_seconds"`
	DiscardPastStates bool   `yaml:"discard_past_states"`
	CompressLogs      bool   `yaml:"compress_logs"`
	Addr              string `yaml:"addr"`
	DBPath            string `yaml:"db_path"`
	LogDir            string `yaml:"log_dir"`
}

func Defaults() Tuning {
	return Tuning{
		TimeoutSeconds: 0, // infinite
		CompressLogs:   true,
		Addr:           ":8080",
		DBPath:         "./data/runs.db",
		LogDir:         "./data/logs",
	}
}

func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}
