package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/georgepadayatti/tstcheck/config"
	"github.com/georgepadayatti/tstcheck/sign/validation"
	"github.com/georgepadayatti/tstcheck/sign/validation/report"
)

// AnalyzeOptions contains options for the analyze command.
type AnalyzeOptions struct {
	ConfigFile      string
	JSON            bool
	Log             bool
	Verbose         bool
	Parallelism     int
	FailOnAmbiguous bool
}

// AnalyzeCommand implements the 'analyze' command.
func AnalyzeCommand(args []string) {
	analyzeFlags := flag.NewFlagSet("analyze", flag.ExitOnError)

	var opts AnalyzeOptions

	analyzeFlags.StringVar(&opts.ConfigFile, "config", "", "YAML configuration file")
	analyzeFlags.BoolVar(&opts.JSON, "json", false, "Output findings as newline-delimited JSON")
	analyzeFlags.BoolVar(&opts.Log, "log", false, "Also write findings to the log")
	analyzeFlags.BoolVar(&opts.Verbose, "v", false, "Enable debug logging")
	analyzeFlags.IntVar(&opts.Parallelism, "parallel", 0, "Number of signatures analyzed at once (default from config)")
	analyzeFlags.BoolVar(&opts.FailOnAmbiguous, "fail-on-ambiguous", false, "Fail when a signer certificate cannot be identified")

	analyzeFlags.Usage = func() {
		fmt.Printf("Usage: %s analyze [options] <signature>...\n\n", os.Args[0])
		fmt.Println("Check the signature timestamps embedded in CMS signatures.")
		fmt.Println("")
		fmt.Println("Arguments:")
		fmt.Println("  signature  DER/BER, PEM, base64 or hex encoded CMS SignedData ('-' for stdin)")
		fmt.Println("")
		fmt.Println("Options:")
		analyzeFlags.PrintDefaults()
		fmt.Println("")
		fmt.Println("Examples:")
		fmt.Printf("  %s analyze signature.p7s\n", os.Args[0])
		fmt.Printf("  %s analyze -json -parallel 8 *.p7s\n", os.Args[0])
		fmt.Printf("  %s analyze -config tstcheck.yaml -log signature.pem\n", os.Args[0])
	}

	if err := analyzeFlags.Parse(args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		osExit(1)
	}

	if len(analyzeFlags.Args()) < 1 {
		analyzeFlags.Usage()
		osExit(1)
	}

	code := runAnalyze(context.Background(), &opts, analyzeFlags.Args(), os.Stdout, os.Stderr)
	if code != 0 {
		osExit(code)
	}
}

// runAnalyze analyzes every path and writes the report to stdout. It
// returns the process exit status: 1 when any input failed to decode or
// produced a policy violation.
func runAnalyze(ctx context.Context, opts *AnalyzeOptions, paths []string, stdout, stderr io.Writer) int {
	cfg := config.DefaultAppConfig()
	if opts.ConfigFile != "" {
		loaded, err := config.LoadAppConfig(opts.ConfigFile)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		cfg = loaded
	}
	applyOverrides(cfg, opts)

	logger, closer, err := cfg.Logging.NewLogger()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer closer.Close()

	analyzer := validation.NewAnalyzer(validation.WithLogger(logrus.NewEntry(logger)))

	inputs := make([]validation.Input, 0, len(paths))
	for _, p := range paths {
		inputs = append(inputs, validation.Input{Path: p})
	}
	results := analyzer.AnalyzeBatch(ctx, inputs, cfg.Analysis.Parallelism)

	if cfg.Output.Format == config.FormatJSON {
		err = outputJSON(stdout, results)
	} else {
		err = outputText(stdout, results)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if opts.Log {
		logSink := report.NewLogSink(logrus.NewEntry(logger))
		for _, r := range results {
			for _, f := range r.Findings {
				logSink.Emit(f)
			}
		}
	}

	return exitCode(results, cfg.Analysis.FailOnAmbiguous)
}

// applyOverrides lets command-line flags take precedence over the file.
func applyOverrides(cfg *config.AppConfig, opts *AnalyzeOptions) {
	if opts.JSON {
		cfg.Output.Format = config.FormatJSON
	}
	if opts.Verbose {
		cfg.Logging.Level = "debug"
	}
	if opts.Parallelism > 0 {
		cfg.Analysis.Parallelism = opts.Parallelism
	}
	if opts.FailOnAmbiguous {
		cfg.Analysis.FailOnAmbiguous = true
	}
}

func outputText(w io.Writer, results []validation.BatchResult) error {
	for i, r := range results {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "%s\n", r.Path)

		sink := report.NewTextSink(w)
		for _, f := range r.Findings {
			sink.Emit(f)
		}
		if err := sink.Err(); err != nil {
			return err
		}
		if r.Err != nil {
			if _, err := fmt.Fprintf(w, "Error: %v\n", r.Err); err != nil {
				return err
			}
		}
	}
	return nil
}

// errorLine reports a failed input in the JSON stream.
type errorLine struct {
	Input string `json:"input"`
	Error string `json:"error"`
}

func outputJSON(w io.Writer, results []validation.BatchResult) error {
	sink := report.NewJSONSink(w)
	enc := json.NewEncoder(w)
	for _, r := range results {
		for _, f := range r.Findings {
			sink.Emit(f)
		}
		if err := sink.Err(); err != nil {
			return err
		}
		if r.Err != nil {
			if err := enc.Encode(errorLine{Input: r.Path, Error: r.Err.Error()}); err != nil {
				return err
			}
		}
	}
	return nil
}

func exitCode(results []validation.BatchResult, failOnAmbiguous bool) int {
	for _, r := range results {
		if r.HasErrors() {
			return 1
		}
		if failOnAmbiguous {
			for _, f := range r.Findings {
				if f.Kind == report.SignerAmbiguous {
					return 1
				}
			}
		}
	}
	return 0
}
