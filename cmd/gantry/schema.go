package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gantrydata/gantry/pkg/schema"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the stage backlog of a pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		p, err := attachPipeline(ctx, false)
		if err != nil {
			return err
		}
		state := p.State()
		fmt.Printf("Pipeline:    %s (%s)\n", state.Name, state.ID)
		fmt.Printf("Destination: %s\n", state.ClientType)

		extracted, err := p.ListExtractedLoads()
		if err != nil {
			return err
		}
		normalized, err := p.ListNormalizedLoads()
		if err != nil {
			return err
		}
		completed, err := p.ListCompletedLoads()
		if err != nil {
			return err
		}
		fmt.Printf("Extracted:   %d batch(es) waiting\n", len(extracted))
		fmt.Printf("Normalized:  %d package(s) waiting\n", len(normalized))
		fmt.Printf("Completed:   %d package(s)\n", len(completed))

		failedTotal := 0
		for _, loadID := range completed {
			failed, err := p.ListFailedJobs(loadID)
			if err != nil {
				return err
			}
			for _, job := range failed {
				fmt.Printf("  failed %s in %s: %s\n", job.FileName, loadID, job.Exception)
				failedTotal++
			}
		}
		if failedTotal == 0 {
			fmt.Println("No failed jobs")
		}
		return nil
	},
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Manage pipeline schemas",
}

var schemaShowCmd = &cobra.Command{
	Use:   "show [NAME]",
	Short: "Print a stored schema as YAML",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		p, err := attachPipeline(ctx, false)
		if err != nil {
			return err
		}
		s, err := namedSchema(p, args)
		if err != nil {
			return err
		}
		data, err := s.YAML()
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

var schemaImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Store a schema from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		p, err := attachPipeline(ctx, false)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		s, err := schema.ParseYAML(data)
		if err != nil {
			return err
		}
		if err := p.AddSchema(s); err != nil {
			return err
		}
		fmt.Printf("✓ Schema %s imported at version %d\n", s.Name(), s.Version())
		return nil
	},
}

var schemaExportCmd = &cobra.Command{
	Use:   "export [NAME]",
	Short: "Write a stored schema to a YAML file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		p, err := attachPipeline(ctx, false)
		if err != nil {
			return err
		}
		s, err := namedSchema(p, args)
		if err != nil {
			return err
		}
		data, err := s.YAML()
		if err != nil {
			return err
		}
		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			out = s.Name() + ".schema.yaml"
		}
		if err := os.WriteFile(out, data, 0644); err != nil {
			return err
		}
		fmt.Printf("✓ Schema %s exported to %s\n", s.Name(), out)
		return nil
	},
}

func init() {
	schemaCmd.AddCommand(schemaShowCmd)
	schemaCmd.AddCommand(schemaImportCmd)
	schemaCmd.AddCommand(schemaExportCmd)

	schemaExportCmd.Flags().String("out", "", "Output file, defaults to <name>.schema.yaml")
}

func namedSchema(p pipelineSchemas, args []string) (*schema.Schema, error) {
	if len(args) == 1 {
		return p.Schema(args[0])
	}
	return p.DefaultSchema()
}

// pipelineSchemas is the slice of the pipeline the schema commands
// need.
type pipelineSchemas interface {
	Schema(name string) (*schema.Schema, error)
	DefaultSchema() (*schema.Schema, error)
}
