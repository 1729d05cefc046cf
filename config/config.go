package config

import (
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/m4xw311/conductor/errors"
	"gopkg.in/yaml.v3"
)

// Dir is the name of the directory holding user and project configuration.
const Dir = ".conductor"

const (
	DefaultProvider     = "bedrock"
	DefaultBedrockModel = "us.anthropic.claude-sonnet-4-20250514-v1:0"
	DefaultRegion       = "us-east-1"
	DefaultMaxTokens    = 4096
	DefaultMode         = "prompt"
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "console"
	DefaultLogOutput    = "stderr"
	defaultToolsetName  = "default"
	configFileName      = "config.yaml"
)

var (
	providers = map[string]bool{"bedrock": true, "anthropic": true, "openai": true, "gemini": true, "mock": true}
	modes     = map[string]bool{"prompt": true, "auto": true}
)

type FilesystemAccess struct {
	Hidden   []string `yaml:"hidden"`
	ReadOnly []string `yaml:"read_only"`
}

type MCPServer struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

type Toolset struct {
	Name  string   `yaml:"name"`
	Tools []string `yaml:"tools"`
}

// Queue configures the per-worker prompt queue. A zero capacity means unbounded.
type Queue struct {
	Capacity int `yaml:"capacity"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

type Config struct {
	LLMClient            string           `yaml:"llm"`
	Model                string           `yaml:"model"`
	Region               string           `yaml:"region"`
	MaxTokens            int              `yaml:"max_tokens"`
	Mode                 string           `yaml:"mode"`
	ConfirmationTimeout  Duration         `yaml:"confirmation_timeout"`
	Queue                Queue            `yaml:"queue"`
	Logging              Logging          `yaml:"logging"`
	Toolsets             []Toolset        `yaml:"toolsets"`
	AdditionalMCPServers []MCPServer      `yaml:"additional_mcp_servers"`
	AllowedCommands      []string         `yaml:"allowed_commands"`
	FilesystemAccess     FilesystemAccess `yaml:"filesystem_access"`
}

// Duration is a time.Duration that unmarshals from strings such as "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig loads configuration from the user's home directory and the current
// working directory, with the latter taking precedence.
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	// The config directory is never visible to filesystem tools.
	cfg.FilesystemAccess.Hidden = append(cfg.FilesystemAccess.Hidden, Dir, Dir+"/**")

	home, err := os.UserHomeDir()
	if err == nil {
		userConfigPath := filepath.Join(home, Dir, configFileName)
		if _, err := os.Stat(userConfigPath); err == nil {
			if err := loadFromFile(userConfigPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading user config")
			}
		}
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	projectConfigPath := filepath.Join(wd, Dir, configFileName)
	if _, err := os.Stat(projectConfigPath); err == nil {
		if err := loadFromFile(projectConfigPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading project config")
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads a single configuration file, skipping the user/project lookup.
func LoadFile(path string) (*Config, error) {
	cfg := &Config{}
	if err := loadFromFile(path, cfg); err != nil {
		return nil, errors.Wrapf(err, "error loading config %s", path)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Fields present in the file replace what an earlier file set.
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) applyDefaults() {
	if c.LLMClient == "" {
		c.LLMClient = DefaultProvider
	}
	if c.Model == "" && c.LLMClient == "bedrock" {
		c.Model = DefaultBedrockModel
	}
	if c.Region == "" {
		c.Region = DefaultRegion
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Mode == "" {
		c.Mode = DefaultMode
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	if c.Logging.Output == "" {
		c.Logging.Output = DefaultLogOutput
	}
	if len(c.Toolsets) == 0 {
		c.Toolsets = []Toolset{{Name: defaultToolsetName, Tools: []string{"read_file", "write_file", "execute_command"}}}
	}
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	if !providers[c.LLMClient] {
		return errors.New("unknown llm provider %q", c.LLMClient)
	}
	if !modes[c.Mode] {
		return errors.New("invalid mode %q, must be 'auto' or 'prompt'", c.Mode)
	}
	if c.MaxTokens > math.MaxInt32 {
		return errors.New("max_tokens must not exceed %d, got %d", math.MaxInt32, c.MaxTokens)
	}
	if c.Queue.Capacity < 0 {
		return errors.New("queue capacity must not be negative, got %d", c.Queue.Capacity)
	}
	if c.ConfirmationTimeout < 0 {
		return errors.New("confirmation_timeout must not be negative")
	}
	for _, s := range c.AdditionalMCPServers {
		if s.Name == "" || s.Command == "" {
			return errors.New("mcp server entries need both a name and a command")
		}
	}
	return nil
}

// GetToolset finds a toolset by name. Returns the "default" toolset if the
// named one is not found or if an empty name is provided.
func (c *Config) GetToolset(name string) (*Toolset, error) {
	if name == "" {
		name = defaultToolsetName
	}
	for i := range c.Toolsets {
		if c.Toolsets[i].Name == name {
			return &c.Toolsets[i], nil
		}
	}
	if name == defaultToolsetName {
		return nil, errors.New("mandatory 'default' toolset not found in configuration")
	}
	return c.GetToolset(defaultToolsetName)
}
