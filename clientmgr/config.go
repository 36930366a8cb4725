package clientmgr

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
	"time"
)

// ServerConfig describes how to reach one MCP server. Exactly one of Command
// (stdio subprocess) or URL (streamable HTTP, with SSE fallback) must be set.
type ServerConfig struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// Timeout bounds individual RPC calls against this server. Zero means
	// the manager default.
	Timeout time.Duration `json:"-"`
}

// Validate checks that the config names exactly one transport.
func (c ServerConfig) Validate() error {
	if c.Command == "" && c.URL == "" {
		return fmt.Errorf("clientmgr: config needs a command or a url")
	}
	if c.Command != "" && c.URL != "" {
		return fmt.Errorf("clientmgr: config cannot set both command and url")
	}
	return nil
}

// Equal reports whether two configs describe the same server the same way.
func (c ServerConfig) Equal(o ServerConfig) bool {
	return c.Command == o.Command &&
		slices.Equal(c.Args, o.Args) &&
		maps.Equal(c.Env, o.Env) &&
		c.URL == o.URL &&
		maps.Equal(c.Headers, o.Headers) &&
		c.Timeout == o.Timeout
}

// configFile mirrors the conventional mcpServers config document.
type configFile struct {
	Servers map[string]ServerConfig `json:"mcpServers"`
}

// LoadConfigFile reads a JSON server-definition file of the form
// {"mcpServers": {"<id>": {"command": ..., "args": [...]}}}.
func LoadConfigFile(path string) (map[string]ServerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("clientmgr: read config: %w", err)
	}
	var doc configFile
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("clientmgr: parse config %s: %w", path, err)
	}
	for id, sc := range doc.Servers {
		if err := sc.Validate(); err != nil {
			return nil, fmt.Errorf("clientmgr: server %q: %w", id, err)
		}
	}
	return doc.Servers, nil
}
