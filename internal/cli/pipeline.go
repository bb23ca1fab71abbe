package cli

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/synthkit/internal/export"
	"github.com/raphaelgruber/synthkit/internal/models"
	"github.com/raphaelgruber/synthkit/internal/service"
	"github.com/raphaelgruber/synthkit/internal/source"
)

var (
	queue bool

	createType        string
	createNum         int
	createChunkSize   int
	createOverlap     int
	createTemperature float64
	createSteps       bool

	curateThreshold   float64
	curateBatchSize   int
	curateTemperature float64

	exportFormat string
	exportName   string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <path>",
	Short: "Extract plain text from a document",
	Long: `Extract the text of a document into <data_dir>/output/<name>.txt.

Supported inputs: ` + strings.Join(source.Extensions(), ", ") + `. Markdown frontmatter,
comments and wiki-link brackets are stripped.

Examples:
  synthkit ingest docs/handbook.md
  synthkit ingest notes.txt --queue`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !source.Supported(args[0]) {
			return fmt.Errorf("%w: %s (supported: %s)", source.ErrUnsupported, args[0], strings.Join(source.Extensions(), ", "))
		}
		return submit(cmd, models.JobIngest, args[0], map[string]any{})
	},
}

var createCmd = &cobra.Command{
	Use:   "create <file>",
	Short: "Generate QA pairs or chain-of-thought examples",
	Long: `Generate synthetic records from a text file.

The text is split into overlapping chunks and the requested number of
records is spread across them. QA runs also produce a document summary.
Output goes to <data_dir>/generated/<name>_<type>_pairs.json.

Examples:
  synthkit create data/output/handbook.txt -n 50
  synthkit create data/output/handbook.txt --type cot --steps`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if createType != service.TypeQA && createType != service.TypeCoT {
			return fmt.Errorf("unknown type %q (want %s or %s)", createType, service.TypeQA, service.TypeCoT)
		}
		params := map[string]any{service.ParamType: createType}
		if cmd.Flags().Changed("num-pairs") {
			if createNum < 0 {
				return fmt.Errorf("--num-pairs must be >= 0, got %d", createNum)
			}
			params[service.ParamNumPairs] = createNum
		}
		if createChunkSize > 0 {
			params[service.ParamChunkSize] = createChunkSize
			params[service.ParamOverlap] = createOverlap
		}
		if cmd.Flags().Changed("temperature") {
			params[service.ParamTemperature] = createTemperature
		}
		if createSteps {
			params[service.ParamIncludeSteps] = true
		}
		return submit(cmd, models.JobCreate, args[0], params)
	},
}

var curateCmd = &cobra.Command{
	Use:   "curate [file]",
	Short: "Rate QA pairs and keep the good ones",
	Long: `Rate the QA pairs of a generated file with the model and keep those
at or above the threshold. Without a file, the output of the most recent
completed create job is used.

Examples:
  synthkit curate data/generated/handbook_qa_pairs.json -t 8
  synthkit curate`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := map[string]any{}
		if curateThreshold > 0 {
			params[service.ParamThreshold] = curateThreshold
		}
		if curateBatchSize > 0 {
			params[service.ParamBatchSize] = curateBatchSize
		}
		if cmd.Flags().Changed("temperature") {
			params[service.ParamTemperature] = curateTemperature
		}
		return submitWithSource(cmd, models.JobCurate, args, params)
	},
}

var exportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Write pairs in a training-data format",
	Long: `Write the pairs of a generated or curated file to <data_dir>/final.

Formats: ` + strings.Join(export.Formats(), ", ") + `. Without a file, the output of the most
recent completed curate job (or else create job) is used.

Examples:
  synthkit export data/cleaned/handbook_curated.json -f chatml
  synthkit export -f alpaca --name handbook`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !slices.Contains(export.Formats(), exportFormat) {
			return fmt.Errorf("%w: %q (want one of %s)", export.ErrUnknownFormat, exportFormat, strings.Join(export.Formats(), ", "))
		}
		params := map[string]any{service.ParamFormat: exportFormat}
		if exportName != "" {
			params[service.ParamName] = exportName
		}
		return submitWithSource(cmd, models.JobExport, args, params)
	},
}

func init() {
	for _, c := range []*cobra.Command{ingestCmd, createCmd, curateCmd, exportCmd} {
		c.Flags().BoolVarP(&queue, "queue", "q", false, "store the job for 'synthkit serve' instead of running it")
	}

	createCmd.Flags().StringVarP(&createType, "type", "t", service.TypeQA, "generation type: qa or cot")
	createCmd.Flags().IntVarP(&createNum, "num-pairs", "n", 0, "number of records to generate (default from config)")
	createCmd.Flags().IntVar(&createChunkSize, "chunk-size", 0, "chunk size in characters (default from config)")
	createCmd.Flags().IntVar(&createOverlap, "overlap", 0, "chunk overlap in characters, used with --chunk-size")
	createCmd.Flags().Float64Var(&createTemperature, "temperature", 0, "sampling temperature (default from config)")
	createCmd.Flags().BoolVar(&createSteps, "steps", false, "attach extracted reasoning steps to CoT examples")

	curateCmd.Flags().Float64VarP(&curateThreshold, "threshold", "t", 0, "minimum rating to keep, 1-10 (default from config)")
	curateCmd.Flags().IntVar(&curateBatchSize, "batch-size", 0, "pairs per rating request (default from config)")
	curateCmd.Flags().Float64Var(&curateTemperature, "temperature", 0, "rating temperature (default from config)")

	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", export.FormatJSONL, "output format")
	exportCmd.Flags().StringVar(&exportName, "name", "", "output file name (default from input)")
}

// submitWithSource resolves the input from the job history when no file is given.
func submitWithSource(cmd *cobra.Command, kind models.JobKind, args []string, params map[string]any) error {
	if len(args) == 1 {
		return submit(cmd, kind, args[0], params)
	}
	mgr, err := newManager()
	if err != nil {
		return err
	}
	input, err := mgr.AutoSource(cmd.Context(), kind)
	if err != nil {
		if !persistent() {
			return errors.New("no input file given and the memory store keeps no job history")
		}
		return err
	}
	fmt.Fprintf(out, "Using %s\n", input)
	return submit(cmd, kind, input, params)
}

// submit creates a job and either queues it or runs it to completion.
func submit(cmd *cobra.Command, kind models.JobKind, input string, params map[string]any) error {
	ctx := cmd.Context()
	if queue && !persistent() {
		return errors.New("--queue needs a persistent store (set store.driver)")
	}

	mgr, err := newManager()
	if err != nil {
		return err
	}
	job, err := mgr.Create(ctx, kind, input, params)
	if err != nil {
		return err
	}

	if queue {
		fmt.Fprintf(out, "Job %s queued (%s)\n", job.ID, kind)
		fmt.Fprintf(out, "Run 'synthkit serve' to process it, 'synthkit jobs %s' to check status.\n", job.ID)
		return nil
	}

	// Stop watching if the job could not be started.
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := mgr.Run(ctx, job.ID)
		if err != nil {
			cancel()
		}
		done <- err
	}()

	watchErr := watch(watchCtx, mgr, job.ID)
	if err := <-done; err != nil {
		return err
	}
	return watchErr
}
