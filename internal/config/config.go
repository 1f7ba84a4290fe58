package config

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Role        string        `yaml:"role"`      // "central" or "peripheral"
	LocalName   string        `yaml:"local_name"`
	Transport   string        `yaml:"transport"` // "bluetooth" or "loopback"
	Answers     []string      `yaml:"answers"`
	AnswersFile string        `yaml:"answers_file"`
	AnswerDelay time.Duration `yaml:"answer_delay"`
	LogLevel    string        `yaml:"log_level"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "magic8ball")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values. An empty Answers
// list means the built-in replies.
func Default() *Config {
	return &Config{
		Role:      "peripheral",
		LocalName: "Magic8Ball",
		Transport: "bluetooth",
		LogLevel:  "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in answers_file is expanded to the user's home
// directory, and the file's lines replace answers.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.AnswersFile = expandTilde(cfg.AnswersFile)
	if cfg.AnswersFile != "" {
		answers, err := ReadAnswers(cfg.AnswersFile)
		if err != nil {
			return nil, err
		}
		cfg.Answers = answers
	}

	return cfg, nil
}

// ReadAnswers reads one answer per line. Blank lines and lines starting
// with # are skipped.
func ReadAnswers(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading answers file: %w", err)
	}

	var answers []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		answers = append(answers, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading answers file: %w", err)
	}
	if len(answers) == 0 {
		return nil, fmt.Errorf("answers file %s has no answers", path)
	}
	return answers, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.Role {
	case "central", "peripheral":
	default:
		return fmt.Errorf("role must be \"central\" or \"peripheral\", got %q", c.Role)
	}

	switch c.Transport {
	case "bluetooth", "loopback":
	default:
		return fmt.Errorf("transport must be \"bluetooth\" or \"loopback\", got %q", c.Transport)
	}

	if c.Role == "peripheral" && strings.TrimSpace(c.LocalName) == "" {
		return fmt.Errorf("local_name must not be empty for the peripheral role")
	}

	for i, a := range c.Answers {
		if strings.TrimSpace(a) == "" {
			return fmt.Errorf("answers[%d] must not be empty", i)
		}
	}

	if c.AnswerDelay < 0 {
		return fmt.Errorf("answer_delay must be >= 0, got %s", c.AnswerDelay)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ParseLogLevel maps a log_level value to a slog.Level. Unknown values
// mean info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there yet. It returns the path written, or "" if the file was
// already present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	header := "# magic8ball configuration\n" +
		"# role: central asks questions, peripheral answers them.\n" +
		"# answers / answers_file replace the built-in replies.\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
