package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/agentoz/internal/config"
	"github.com/dohr-michael/agentoz/internal/gateway"
	"github.com/dohr-michael/agentoz/internal/heartbeat"
)

// NewStatusCommand returns the status subcommand.
func NewStatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show agentoz gateway status",
		Action: func(_ context.Context, _ *cli.Command) error {
			status, hb, err := heartbeat.Check(config.HeartbeatPath(), 2*heartbeat.DefaultInterval+30*time.Second)
			if err != nil {
				return fmt.Errorf("check heartbeat: %w", err)
			}

			switch status {
			case heartbeat.StatusAlive:
				fmt.Printf("Gateway: ALIVE (PID %d, %s, uptime %s)\n", hb.PID, hb.Addr, hb.Uptime)
			case heartbeat.StatusStale:
				fmt.Printf("Gateway: STALE (PID %d, last heartbeat %s ago)\n",
					hb.PID, time.Since(hb.Timestamp).Truncate(time.Second))
			case heartbeat.StatusDead:
				fmt.Println("Gateway: NOT RUNNING")
				return nil
			}

			var st gateway.Stats
			if len(hb.Stats) == 0 || json.Unmarshal(hb.Stats, &st) != nil {
				return nil
			}
			fmt.Printf("Sessions:  %d total, %d active, %d subscribers\n",
				st.Sessions.Total, st.Sessions.Active, st.Sessions.Subscribers)
			fmt.Printf("WebSocket: %d clients\n", st.WSClients)
			if st.DroppedEvents > 0 {
				fmt.Printf("Dropped lifecycle events: %d\n", st.DroppedEvents)
			}
			return nil
		},
	}
}
