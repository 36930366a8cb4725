package clientmgr

import (
	"os"
	"path/filepath"
	"testing"
)

func TestServerConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     ServerConfig
		wantErr bool
	}{
		{"stdio", ServerConfig{Command: "mcp-server"}, false},
		{"http", ServerConfig{URL: "https://example.com/mcp"}, false},
		{"neither", ServerConfig{}, true},
		{"both", ServerConfig{Command: "x", URL: "https://example.com"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestServerConfigEqual(t *testing.T) {
	a := ServerConfig{Command: "srv", Args: []string{"-v"}, Env: map[string]string{"K": "1"}}
	if !a.Equal(a) {
		t.Error("Config must equal itself")
	}
	b := a
	b.Args = []string{"-v", "--extra"}
	if a.Equal(b) {
		t.Error("Changed args must not compare equal")
	}
	c := a
	c.Env = map[string]string{"K": "2"}
	if a.Equal(c) {
		t.Error("Changed env must not compare equal")
	}
}

func TestLoadConfigFile(t *testing.T) {
	t.Run("valid document", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "mcp-config.json")
		doc := `{
			"mcpServers": {
				"files": {"command": "mcp-files", "args": ["--root", "/tmp"]},
				"remote": {"url": "https://example.com/mcp", "headers": {"Authorization": "Bearer x"}}
			}
		}`
		if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
			t.Fatal(err)
		}

		servers, err := LoadConfigFile(path)
		if err != nil {
			t.Fatalf("LoadConfigFile failed: %v", err)
		}
		if len(servers) != 2 {
			t.Fatalf("Expected 2 servers, got %d", len(servers))
		}
		if servers["files"].Command != "mcp-files" || len(servers["files"].Args) != 2 {
			t.Errorf("Unexpected stdio config: %+v", servers["files"])
		}
		if servers["remote"].Headers["Authorization"] == "" {
			t.Errorf("Headers did not load: %+v", servers["remote"])
		}
	})

	t.Run("invalid entry rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "mcp-config.json")
		if err := os.WriteFile(path, []byte(`{"mcpServers":{"bad":{}}}`), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadConfigFile(path); err == nil {
			t.Error("Expected validation error for transportless server")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadConfigFile(filepath.Join(t.TempDir(), "absent.json")); err == nil {
			t.Error("Expected error for missing file")
		}
	})
}
