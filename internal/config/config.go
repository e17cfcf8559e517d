package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultNodePath                = "node"
	DefaultAttachRetryInterval     = time.Second
	DefaultAttachTimeout           = 10 * time.Second
	DefaultLaunchTimeout           = 10 * time.Second
	DefaultMaxWebSocketMessageSize = 256 * 1024 * 1024
)

// ServerConfig holds the settings of a jsdap server process. It is read from a YAML file.
type ServerConfig struct {
	// Node.js executable used when a launch request does not name a runtime executable.
	NodePath string `yaml:"nodePath,omitempty"`

	// How often an attach launcher retries connecting to the inspector endpoint.
	AttachRetryInterval time.Duration `yaml:"attachRetryInterval,omitempty"`

	// How long an attach launcher keeps retrying before it gives up.
	AttachTimeout time.Duration `yaml:"attachTimeout,omitempty"`

	// How long the node launcher waits for the debuggee to announce its inspector endpoint.
	LaunchTimeout time.Duration `yaml:"launchTimeout,omitempty"`

	MaxWebSocketMessageSize int64 `yaml:"maxWebSocketMessageSize,omitempty"`

	// Root for resolving script URLs to local paths when a launch request does not set one.
	WebRoot string `yaml:"webRoot,omitempty"`
}

func DefaultServerConfig() *ServerConfig {
	cfg := &ServerConfig{}
	cfg.applyDefaults()
	return cfg
}

func (c *ServerConfig) applyDefaults() {
	if c.NodePath == "" {
		c.NodePath = DefaultNodePath
	}
	if c.AttachRetryInterval <= 0 {
		c.AttachRetryInterval = DefaultAttachRetryInterval
	}
	if c.AttachTimeout <= 0 {
		c.AttachTimeout = DefaultAttachTimeout
	}
	if c.LaunchTimeout <= 0 {
		c.LaunchTimeout = DefaultLaunchTimeout
	}
	if c.MaxWebSocketMessageSize <= 0 {
		c.MaxWebSocketMessageSize = DefaultMaxWebSocketMessageSize
	}
	if c.WebRoot == "" {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			c.WebRoot = cwd
		}
	}
}

// ParseServerConfig decodes a YAML configuration document. Settings the document leaves out get their defaults.
func ParseServerConfig(content []byte) (*ServerConfig, error) {
	var cfg ServerConfig
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("unable to parse server configuration: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadServerConfig reads the configuration file. An empty path yields the default configuration.
func LoadServerConfig(path string) (*ServerConfig, error) {
	if path == "" {
		return DefaultServerConfig(), nil
	}
	content, readErr := os.ReadFile(path)
	if readErr != nil {
		return nil, fmt.Errorf("unable to read server configuration file '%s': %w", path, readErr)
	}
	return ParseServerConfig(content)
}

type RequestKind string

const (
	RequestLaunch RequestKind = "launch"
	RequestAttach RequestKind = "attach"
)

// LaunchParams are the arguments of a launch or attach request.
type LaunchParams struct {
	Request RequestKind `json:"-"`

	// Node launch
	Program           string            `json:"program,omitempty"`
	Args              []string          `json:"args,omitempty"`
	Cwd               string            `json:"cwd,omitempty"`
	Env               map[string]string `json:"env,omitempty"`
	EnvFile           string            `json:"envFile,omitempty"`
	RuntimeExecutable string            `json:"runtimeExecutable,omitempty"`
	RuntimeArgs       []string          `json:"runtimeArgs,omitempty"`
	StopOnEntry       bool              `json:"stopOnEntry,omitempty"`

	// Attach
	Port    int    `json:"port,omitempty"`
	Address string `json:"address,omitempty"`
	URL     string `json:"url,omitempty"`

	// Source resolution
	WebRoot string `json:"webRoot,omitempty"`
	BaseURL string `json:"baseURL,omitempty"`
}

var ErrInvalidLaunchParams = errors.New("invalid launch arguments")

// DecodeLaunchParams decodes the arguments of a launch or attach request.
func DecodeLaunchParams(kind RequestKind, raw json.RawMessage) (*LaunchParams, error) {
	params := &LaunchParams{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, params); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidLaunchParams, err)
		}
	}
	params.Request = kind
	if params.Address == "" {
		params.Address = "127.0.0.1"
	}
	return params, nil
}

// ResolveEnv merges the environment file with the explicit environment. Explicit values win.
func (p *LaunchParams) ResolveEnv() (map[string]string, error) {
	env := make(map[string]string)
	if p.EnvFile != "" {
		fileEnv, readErr := godotenv.Read(p.EnvFile)
		if readErr != nil {
			return nil, fmt.Errorf("unable to read environment file '%s': %w", p.EnvFile, readErr)
		}
		for k, v := range fileEnv {
			env[k] = v
		}
	}
	for k, v := range p.Env {
		env[k] = v
	}
	return env, nil
}
