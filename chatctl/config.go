package main

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const DefaultApiUrl = "http://localhost:8000"

// Config is read from the config file, then the environment, then flags. Later sources win.
type Config struct {
	ApiUrl  string `yaml:"api_url,omitempty"`
	PushUrl string `yaml:"push_url,omitempty"`
	Token   string `yaml:"token,omitempty"`
}

func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatctl.yml"
	}
	return filepath.Join(home, ".chatctl.yml")
}

// LoadConfig reads `configPath` if it exists and applies
// `CHAT_API_URL`, `CHAT_PUSH_URL` and `CHAT_TOKEN`, loading a `.env` in the working directory first.
func LoadConfig(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	config := &Config{}
	configBytes, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(configBytes, config); err != nil {
			return nil, err
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, err
	}

	if apiUrl, ok := os.LookupEnv("CHAT_API_URL"); ok {
		config.ApiUrl = apiUrl
	}
	if pushUrl, ok := os.LookupEnv("CHAT_PUSH_URL"); ok {
		config.PushUrl = pushUrl
	}
	if token, ok := os.LookupEnv("CHAT_TOKEN"); ok {
		config.Token = token
	}

	if config.ApiUrl == "" {
		config.ApiUrl = DefaultApiUrl
	}
	return config, nil
}

// the push socket is served next to the api by default
func (self *Config) PushUrlOrDefault() string {
	if self.PushUrl != "" {
		return self.PushUrl
	}
	return strings.TrimSuffix(self.ApiUrl, "/") + "/ws"
}

func SaveConfig(configPath string, config *Config) error {
	configBytes, err := yaml.Marshal(config)
	if err != nil {
		return err
	}
	return os.WriteFile(configPath, configBytes, 0600)
}
