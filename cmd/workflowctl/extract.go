package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	cli "github.com/urfave/cli/v3"

	workflowextract "github.com/vbonduro/homeinv/internal/extract/workflow"
)

func newExtractCommand() *cli.Command {
	return &cli.Command{
		Name:      "extract",
		Usage:     "Upload a product photo and print the product details the workflow finds",
		ArgsUsage: "<image>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "image-input",
				Usage:   "Workflow input variable the photo is bound to",
				Value:   workflowextract.DefaultImageInput,
				Sources: cli.EnvVars("WORKFLOW_IMAGE_INPUT"),
			},
			&cli.StringFlag{
				Name:    "workflow-id",
				Usage:   "Run a specific workflow instead of the app default",
				Sources: cli.EnvVars("WORKFLOW_ID"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			path := command.Args().First()
			if path == "" {
				return fmt.Errorf("image path required")
			}
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open %s: %w", path, err)
			}
			defer func() { _ = f.Close() }()

			extractor := workflowextract.NewExtractor(newClient(command), newLogger(command),
				workflowextract.WithImageInput(command.String("image-input")),
				workflowextract.WithWorkflowID(command.String("workflow-id")),
			)
			info, err := extractor.Extract(ctx, f, filepath.Base(path), user(command))
			if err != nil {
				return err
			}
			return printJSON(command, info)
		},
	}
}
