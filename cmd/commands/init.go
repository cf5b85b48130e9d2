package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/agentoz/internal/config"
)

// NewInitCommand returns the init subcommand.
func NewInitCommand() *cli.Command {
	return &cli.Command{
		Name:   "init",
		Usage:  "Initialize the agentoz home directory (~/.agentoz)",
		Action: runInit,
	}
}

func runInit(_ context.Context, _ *cli.Command) error {
	root := config.AgentozPath()
	created := false

	dirs := []string{
		root,
		config.DataDir("agents"),
		config.DataDir("tasks"),
		config.DataDir("sessions"),
		config.DataDir("logs"),
	}
	for _, d := range dirs {
		if _, err := os.Stat(d); err != nil {
			if err := os.MkdirAll(d, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", d, err)
			}
			fmt.Printf("  Created %s\n", d)
			created = true
		}
	}

	files := []struct {
		path    string
		content string
		mode    os.FileMode
	}{
		{config.ConfigPath(), defaultConfig, 0o644},
		{config.DotenvPath(), defaultDotenv, 0o600},
		{filepath.Join(root, "agents.yaml"), defaultAgents, 0o644},
	}
	for _, f := range files {
		if _, err := os.Stat(f.path); err == nil {
			continue
		}
		if err := os.WriteFile(f.path, []byte(f.content), f.mode); err != nil {
			return fmt.Errorf("write %s: %w", f.path, err)
		}
		fmt.Printf("  Created %s\n", f.path)
		created = true
	}

	if !created {
		fmt.Printf("%s is already initialized. Nothing to do.\n", root)
		return nil
	}

	fmt.Printf(`
  Home set up at %s

  Next steps:
    1. Point "backend" in %s/config.jsonc at your compute backend
    2. Run: agentoz gateway
    3. Run: agentoz agents seed --conversation demo
    4. Run: agentoz submit --conversation demo --agent planner "hello"
`, root, root)
	return nil
}

const defaultConfig = `{
	// agentoz configuration

	"gateway": {
		"host": "127.0.0.1",
		"port": 18431
	},

	// "memory" keeps locks and backlogs in process; "sqlite" shares them
	// between gateway processes on the same host.
	"store": {
		"driver": "memory"
	},

	"scheduler": {
		"lock_ttl": "30m",
		"poll_interval": "5s",
		"call_timeout": "5m"
	},

	"sessions": {
		"cleanup_schedule": "*/5 * * * *"
	},

	// "echo" answers every prompt locally. Use "ws" for a real backend:
	// "backend": {
	// 	"driver": "ws",
	// 	"url": "ws://127.0.0.1:9000/run",
	// 	"headers": {"Authorization": "Bearer ${{ .Env.BACKEND_TOKEN }}"}
	// },
	"backend": {
		"driver": "echo"
	},

	"events": {
		"buffer_size": 1024
	}
}
`

const defaultDotenv = `# agentoz environment variables
# This file is loaded automatically. Existing env vars are never overridden.

# BACKEND_TOKEN=...
`

const defaultAgents = `agents:
  - name: planner
    description: Breaks requests down and delegates to other agents
    priority: 10
    config:
      instructions: Plan the work, then use call_agent to delegate.
  - name: coder
    description: Writes and edits code
    config:
      sandbox_policy: workspace-write
`
