package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/vbonduro/homeinv/internal/logging"
	"github.com/vbonduro/homeinv/internal/workflow"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "workflowctl",
		Usage: "Run, stream and stop workflows through the homeinv proxy",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "url",
				Usage:   "Base URL of the proxy endpoints",
				Value:   "http://localhost:8080" + workflow.DefaultBasePath,
				Sources: cli.EnvVars("HOMEINV_API_URL"),
			},
			&cli.StringFlag{
				Name:    "user",
				Usage:   "End-user identifier sent with each request (random if not provided)",
				Sources: cli.EnvVars("WORKFLOW_USER"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "warn",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Commands: []*cli.Command{
			newRunCommand(),
			newStreamCommand(),
			newUploadCommand(),
			newStopCommand(),
			newExtractCommand(),
		},
	}
}

func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{
			Name:    "input",
			Aliases: []string{"i"},
			Usage:   "Workflow input as key=value (repeatable)",
		},
		&cli.StringFlag{
			Name:  "workflow-id",
			Usage: "Run a specific workflow instead of the app default",
		},
	}
}

func newRunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run a workflow and wait for the result",
		Flags: runFlags(),
		Action: func(ctx context.Context, command *cli.Command) error {
			req, err := runRequest(command)
			if err != nil {
				return err
			}
			resp, err := newClient(command).RunWorkflow(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(command, resp)
		},
	}
}

func newStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "stream",
		Usage: "Run a workflow and print its events as they arrive",
		Flags: runFlags(),
		Action: func(ctx context.Context, command *cli.Command) error {
			req, err := runRequest(command)
			if err != nil {
				return err
			}
			emit := func(ev *workflow.StreamingEvent) {
				if err := printJSON(command, ev); err != nil {
					fmt.Fprintln(os.Stderr, err)
				}
			}
			return newClient(command).RunWorkflowStreaming(ctx, req, workflow.Handlers{
				OnWorkflowStarted:  emit,
				OnNodeStarted:      emit,
				OnTextChunk:        emit,
				OnNodeFinished:     emit,
				OnWorkflowFinished: emit,
			})
		},
	}
}

func newUploadCommand() *cli.Command {
	return &cli.Command{
		Name:      "upload",
		Usage:     "Upload a file for use as a workflow input",
		ArgsUsage: "<file>",
		Action: func(ctx context.Context, command *cli.Command) error {
			path := command.Args().First()
			if path == "" {
				return fmt.Errorf("file path required")
			}
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open %s: %w", path, err)
			}
			defer func() { _ = f.Close() }()

			resp, err := newClient(command).UploadFile(ctx, f, filepath.Base(path), user(command))
			if err != nil {
				return err
			}
			return printJSON(command, resp)
		},
	}
}

func newStopCommand() *cli.Command {
	return &cli.Command{
		Name:      "stop",
		Usage:     "Stop a running workflow task",
		ArgsUsage: "<task-id>",
		Action: func(ctx context.Context, command *cli.Command) error {
			taskID := command.Args().First()
			if taskID == "" {
				return fmt.Errorf("task id required")
			}
			if err := newClient(command).StopWorkflow(ctx, taskID, user(command)); err != nil {
				return err
			}
			return printJSON(command, map[string]string{"result": "success"})
		},
	}
}

func newClient(command *cli.Command) *workflow.Client {
	return workflow.NewClient(command.String("url"), nil, newLogger(command))
}

func newLogger(command *cli.Command) *slog.Logger {
	// Without a log file the cleanup func has nothing to release.
	logger, _, err := logging.New(command.String("log-level"), "text", "")
	if err != nil {
		return logging.Nop()
	}
	return logger
}

// user returns the --user flag, or a random identifier when unset. Each
// command calls it once.
func user(command *cli.Command) string {
	if u := command.String("user"); u != "" {
		return u
	}
	return uuid.NewString()
}

func runRequest(command *cli.Command) (workflow.RunRequest, error) {
	inputs, err := parseInputs(command.StringSlice("input"))
	if err != nil {
		return workflow.RunRequest{}, err
	}
	return workflow.RunRequest{
		Inputs:     inputs,
		User:       user(command),
		WorkflowID: command.String("workflow-id"),
	}, nil
}

// parseInputs turns key=value pairs into workflow inputs. A later pair
// overrides an earlier one with the same key.
func parseInputs(pairs []string) (map[string]any, error) {
	inputs := make(map[string]any, len(pairs))
	for _, kv := range pairs {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input %q, want key=value", kv)
		}
		inputs[key] = value
	}
	return inputs, nil
}

// printJSON writes v to the root command's writer, stdout unless overridden.
func printJSON(command *cli.Command, v any) error {
	w := command.Root().Writer
	if w == nil {
		w = os.Stdout
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
