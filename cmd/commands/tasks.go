package commands

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/agentoz/internal/config"
	"github.com/dohr-michael/agentoz/internal/tasks"
)

// NewTasksCommand returns the tasks subcommand.
func NewTasksCommand() *cli.Command {
	return &cli.Command{
		Name:  "tasks",
		Usage: "Inspect and cancel tasks",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List tasks",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "status", Usage: "Filter by status (QUEUED, RUNNING, ...)"},
					&cli.StringFlag{Name: "conversation", Usage: "Filter by conversation ID"},
					&cli.StringFlag{Name: "agent", Usage: "Filter by agent ID"},
				},
				Action: runTasksList,
			},
			{
				Name:      "show",
				Usage:     "Show task details",
				ArgsUsage: "<task_id>",
				Action:    runTasksShow,
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a task through the gateway",
				ArgsUsage: "<task_id>",
				Flags: []cli.Flag{
					gatewayFlag(),
					&cli.StringFlag{Name: "reason", Usage: "Cancellation reason"},
				},
				Action: runTasksCancel,
			},
		},
		DefaultCommand: "list",
	}
}

func newTaskStore() *tasks.FileStore {
	return tasks.NewFileStore(config.DataDir("tasks"))
}

func runTasksList(_ context.Context, cmd *cli.Command) error {
	store := newTaskStore()

	list, err := store.List(tasks.ListFilter{
		Status:         tasks.TaskStatus(cmd.String("status")),
		ConversationID: cmd.String("conversation"),
		AgentID:        cmd.String("agent"),
	})
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	if len(list) == 0 {
		fmt.Println("No tasks found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tAGENT\tCONVERSATION\tDEPTH\tSUBMITTED")
	for _, t := range list {
		agent := t.AgentName
		if agent == "" {
			agent = t.AgentID
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			t.ID,
			t.Status,
			agent,
			t.ConversationID,
			t.A2A.Depth,
			t.SubmitTime.Format("2006-01-02 15:04:05"),
		)
	}
	return w.Flush()
}

func runTasksShow(_ context.Context, cmd *cli.Command) error {
	taskID := cmd.Args().First()
	if taskID == "" {
		return fmt.Errorf("usage: agentoz tasks show <task_id>")
	}

	store := newTaskStore()

	t, err := store.Get(taskID)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}

	fmt.Printf("ID:            %s\n", t.ID)
	fmt.Printf("Status:        %s\n", t.Status)
	fmt.Printf("Agent:         %s (%s)\n", t.AgentName, t.AgentID)
	fmt.Printf("Conversation:  %s\n", t.ConversationID)
	fmt.Printf("Priority:      %s\n", t.Priority)
	if t.ParentTaskID != "" {
		fmt.Printf("Parent:        %s\n", t.ParentTaskID)
	}
	if t.CallerAgentID != "" {
		fmt.Printf("Caller:        %s\n", t.CallerAgentID)
	}
	fmt.Printf("Trace:         %s (depth %d)\n", t.A2A.TraceID, t.A2A.Depth)
	fmt.Printf("Submitted:     %s\n", t.SubmitTime.Format("2006-01-02 15:04:05"))
	if t.StartTime != nil {
		fmt.Printf("Started:       %s\n", t.StartTime.Format("2006-01-02 15:04:05"))
	}
	if t.CompleteTime != nil {
		fmt.Printf("Completed:     %s\n", t.CompleteTime.Format("2006-01-02 15:04:05"))
	}
	if t.WakeAt != nil {
		fmt.Printf("Wake at:       %s\n", t.WakeAt.Format(tasks.WakeTimeLayout))
	}

	if t.Description != "" {
		fmt.Printf("\nDescription:\n%s\n", t.Description)
	}

	trs, _ := store.LoadTransitions(taskID)
	if len(trs) > 0 {
		fmt.Println("\nTransitions:")
		for _, tr := range trs {
			from := string(tr.From)
			if from == "" {
				from = "-"
			}
			fmt.Printf("  [%s] %s -> %s %s\n", tr.Ts.Format("15:04:05"), from, tr.To, tr.Note)
		}
	}

	if t.ErrorMessage != "" {
		fmt.Printf("\nError: %s\n", t.ErrorMessage)
	}
	if t.Result != "" {
		fmt.Printf("\nResult:\n%s\n", t.Result)
	}
	return nil
}

func runTasksCancel(ctx context.Context, cmd *cli.Command) error {
	taskID := cmd.Args().First()
	if taskID == "" {
		return fmt.Errorf("usage: agentoz tasks cancel <task_id>")
	}

	api, err := newAPIClient(cmd)
	if err != nil {
		return err
	}

	path := "/api/tasks/" + url.PathEscape(taskID)
	if reason := cmd.String("reason"); reason != "" {
		path += "?reason=" + url.QueryEscape(reason)
	}
	var view tasks.StatusView
	if err := api.do(ctx, "DELETE", path, nil, &view); err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}

	fmt.Printf("Task %s: %s (%s)\n", view.TaskID, view.Status, view.Message)
	return nil
}
