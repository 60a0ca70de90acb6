// cmd/config.go
package cmd

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileConfig is the optional iris.yaml configuration file. Flags and
// environment variables win over file values; the file only fills gaps.
type FileConfig struct {
	RedisURL      string `yaml:"redis_url,omitempty"`
	RedisPassword string `yaml:"redis_password,omitempty"`
	Queue         string `yaml:"queue,omitempty"`
	ConsumerGroup string `yaml:"consumer_group,omitempty"`
	StorageDir    string `yaml:"storage_dir,omitempty"`
	Listen        string `yaml:"listen,omitempty"`
	Model         string `yaml:"model,omitempty"`
	Metadata      string `yaml:"metadata,omitempty"`
	PollMs        int    `yaml:"poll_ms,omitempty"`
	TimeoutMs     int    `yaml:"timeout_ms,omitempty"`
}

// loadFileConfig reads the config file named by --config, or ./iris.yaml if
// present. A missing default file is not an error; a missing explicit file is.
func loadFileConfig() (*FileConfig, error) {
	path := cfgFile
	explicit := path != ""
	if path == "" {
		path = "iris.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return &FileConfig{}, nil
		}
		return nil, fmt.Errorf("could not read config %s: %w", path, err)
	}

	var conf FileConfig
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return nil, fmt.Errorf("could not parse config %s: %w", path, err)
	}

	Debug("loaded config from %s", path)
	return &conf, nil
}

// resolveRedis applies the flag > env > file precedence to the broker
// connection settings. The --redis-url flag carries a non-empty default, so
// "was it set" is decided by the flag's Changed state and the env var, not by
// emptiness.
func resolveRedis(conf *FileConfig) (url, password string) {
	url = redisURL
	if !rootCmd.PersistentFlags().Changed("redis-url") {
		if env := os.Getenv("REDIS_URL"); env != "" {
			url = env
		} else if conf.RedisURL != "" {
			url = conf.RedisURL
		}
	}
	password = firstNonEmpty(redisPassword, conf.RedisPassword)
	return url, password
}

// firstNonEmpty returns the first non-empty string, for flag/env/file merging.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// firstPositive returns the first positive int, for flag/env/file merging.
func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
