package commands

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	wsclient "github.com/dohr-michael/agentoz/clients/ws"
	wsprotocol "github.com/dohr-michael/agentoz/internal/gateway/ws"
	"github.com/dohr-michael/agentoz/internal/orchestrator"
	"github.com/dohr-michael/agentoz/internal/stream"
)

// NewSubmitCommand returns the submit subcommand.
func NewSubmitCommand() *cli.Command {
	return &cli.Command{
		Name:      "submit",
		Usage:     "Start a conversation turn and stream its events",
		ArgsUsage: "<message>",
		Flags: []cli.Flag{
			gatewayFlag(),
			&cli.StringFlag{
				Name:     "conversation",
				Usage:    "Conversation ID",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "agent",
				Usage:    "Root agent name or ID",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "raw",
				Usage: "Print every frame as JSON instead of the agent text",
			},
			&cli.IntFlag{
				Name:  "timeout",
				Usage: "Response timeout in seconds",
				Value: 600,
			},
		},
		Action: runSubmit,
	}
}

func runSubmit(ctx context.Context, cmd *cli.Command) error {
	message := strings.Join(cmd.Args().Slice(), " ")
	if message == "" {
		return fmt.Errorf("usage: agentoz submit --conversation C --agent A <message>")
	}
	conv := cmd.String("conversation")

	api, err := newAPIClient(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(cmd.Int("timeout"))*time.Second)
	defer cancel()

	agentID, err := resolveAgentID(ctx, api, conv, cmd.String("agent"))
	if err != nil {
		return err
	}

	client, err := wsclient.Dial(ctx, wsURL(api.base))
	if err != nil {
		return fmt.Errorf("connect to gateway: %w", err)
	}
	defer client.Close()

	reqID, err := client.StartSession(conv, agentID, message)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	raw := cmd.Bool("raw")
	texts := make(map[string]*stream.TextAccumulator)
	for {
		frame, err := client.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("timeout waiting for response")
			}
			return fmt.Errorf("read frame: %w", err)
		}
		if raw {
			data, _ := wsprotocol.MarshalFrame(frame)
			fmt.Println(string(data))
		}

		switch {
		case frame.Type == wsprotocol.FrameTypeResponse && frame.ID == reqID:
			if frame.OK == nil || !*frame.OK {
				return fmt.Errorf("start session: %s", frame.Error)
			}
		case frame.Event == wsprotocol.EventStreamClosed:
			if !raw {
				fmt.Println()
			}
			return nil
		default:
			e, ok := wsclient.StreamEvent(frame)
			if !ok || raw {
				continue
			}
			printStreamEvent(texts, e)
		}
	}
}

// printStreamEvent writes only the text an event adds to its task's output.
func printStreamEvent(texts map[string]*stream.TextAccumulator, e stream.Event) {
	if e.Status == stream.StatusError {
		fmt.Fprintf(os.Stderr, "\n[%s] error: %s\n", senderOf(e), e.ErrorMessage)
		return
	}
	acc, ok := texts[e.TaskID]
	if !ok {
		acc = &stream.TextAccumulator{}
		texts[e.TaskID] = acc
		if len(texts) > 1 {
			fmt.Printf("\n[%s] ", senderOf(e))
		}
	}
	before := acc.String()
	acc.Add(e)
	if after := acc.String(); strings.HasPrefix(after, before) {
		fmt.Print(after[len(before):])
	}
}

func senderOf(e stream.Event) string {
	if e.SenderName != "" {
		return e.SenderName
	}
	return e.SenderAgentID
}

// resolveAgentID accepts an agent ID as-is and looks names up in the
// conversation.
func resolveAgentID(ctx context.Context, api *apiClient, conv, nameOrID string) (string, error) {
	if strings.HasPrefix(nameOrID, "agent_") {
		return nameOrID, nil
	}
	var views []orchestrator.AgentView
	if err := api.do(ctx, "GET", "/api/conversations/"+url.PathEscape(conv)+"/agents", nil, &views); err != nil {
		return "", err
	}
	for _, v := range views {
		if v.Name == nameOrID {
			return v.ID, nil
		}
	}
	return "", fmt.Errorf("agent %q not found in conversation %s", nameOrID, conv)
}
