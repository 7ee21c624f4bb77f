package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"espcap/config"
	"espcap/internal/capture"
	"espcap/internal/diag"
	"espcap/internal/errlog"
	"espcap/internal/indexer"
	"espcap/internal/logger"
	"espcap/internal/metrics"
	"espcap/internal/pipeline"
	"espcap/internal/sink"
	"espcap/internal/transform"
	"espcap/internal/version"
)

// newSource picks the capture decoder. Tests replace it.
var newSource = func(cfg *config.Config) capture.Source {
	if cfg.Capture.Decoder == "native" {
		return capture.NewNativeSource(cfg.Capture.SnapLen)
	}
	return capture.NewTsharkSource(cfg.Capture.TsharkPath)
}

// syslogInfo and syslogErr write to the system log. Tests replace them.
var (
	syslogInfo = logger.SyslogInfo
	syslogErr  = logger.Syslog
)

type options struct {
	configPath string
	envFile    string
	list       bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the command line and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCmd(stdout)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "[ERROR]  %v\n", err)
		syslogErr("espcap", err.Error())
		return 1
	}
	return 0
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "espcap",
		Short: "Capture packets and index them into Elasticsearch or OpenSearch",
		Long: `espcap captures packets live from a network interface or replays capture
files, decodes every packet with tshark (or the built-in decoder) and bulk
indexes one document per packet into daily <prefix>-YYYY-MM-DD indices.

Without --node, documents are written to standard output as JSON lines.`,
		Example: `  espcap --nic eth0 --node localhost:9200 --bpf "tcp port 80" --count 1000
  espcap --file capture.pcap --node https://es1:9200,https://es2:9200 --chunk 500
  espcap --dir captures/ --stop-on-error --node localhost:9200
  espcap --file capture.pcap > packets.json
  espcap --list`,
		Version:       version.Version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd.Context(), cmd.Flags(), opts, stdout)
		},
	}

	flags := cmd.Flags()
	flags.SetNormalizeFunc(underscoreToDash)
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default: ./espcap.yaml or /etc/espcap/espcap.yaml)")
	flags.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded into the environment if present")
	flags.BoolVar(&opts.list, "list", false, "list capture interfaces and exit")
	flags.String("node", "", "comma separated backend node(s); empty writes JSON lines to stdout")
	flags.String("nic", "", "network interface for live capture")
	flags.String("file", "", "capture file to replay")
	flags.String("dir", "", "directory of capture files to replay in name order")
	flags.String("bpf", "", "BPF capture filter (live capture only)")
	flags.Int("chunk", indexer.DefaultChunkSize, "documents per bulk request")
	flags.Int("count", 0, "stop live capture after this many packets (0 is unbounded)")
	flags.Bool("stop-on-error", false, "stop a session at the first document the backend rejects")
	flags.String("decoder", "tshark", "packet decoder: tshark or native")
	flags.String("index-prefix", transform.DefaultPrefix, "index name prefix")
	flags.String("error-log", errlog.DefaultPath, "file receiving one line per rejected document or malformed packet")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address")
	flags.String("log-level", "info", "log level: debug, info, warn, error")

	cmd.AddCommand(newCollectLogsCmd(opts))
	return cmd
}

func newCollectLogsCmd(opts *options) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "collect-logs",
		Short: "Package logs, the packet error log, config and diagnostics into a zip archive for support",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath, cmd.Flags())
			if err != nil {
				return err
			}
			if output == "" {
				output = diag.ArchiveName(time.Now())
			}
			entries, err := diag.Collect(cmd.Context(), output, diag.Bundle{
				LogFile:    cfg.Logging.File,
				ErrorLog:   cfg.Errors.LogFile,
				ConfigFile: cfg.ConfigFile,
				TsharkPath: cfg.Capture.TsharkPath,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s with %d entries.\n", output, len(entries))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "archive name (default espcap-logs-YYYYMMDD-HHMMSS.zip)")
	cmd.Flags().String("error-log", errlog.DefaultPath, "packet error log to include")
	return cmd
}

// underscoreToDash accepts --stop_on_error for --stop-on-error.
func underscoreToDash(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

func execute(ctx context.Context, flags *pflag.FlagSet, opts *options, stdout io.Writer) error {
	if opts.envFile != "" {
		if err := godotenv.Load(opts.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", opts.envFile, err)
		}
	}

	cfg, err := config.Load(opts.configPath, flags)
	if err != nil {
		return err
	}
	if err := cfg.InitializeLogging(); err != nil {
		return err
	}
	log := logger.GetLogger()
	source := newSource(cfg)

	if opts.list {
		return listInterfaces(ctx, source, stdout)
	}

	mode, err := cfg.Validate()
	if err != nil {
		return err
	}

	reporter, err := errlog.New(cfg.Errors.LogFile)
	if err != nil {
		return err
	}

	if cfg.Metrics.Addr != "" {
		if err := metrics.Serve(ctx, cfg.Metrics.Addr); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	indexOpts := indexer.Options{
		ChunkSize:      cfg.Index.ChunkSize,
		StopOnError:    cfg.Index.StopOnError,
		RequestTimeout: cfg.Index.RequestTimeout,
	}
	backend := newBackendOnce(ctx, cfg)
	runner := pipeline.NewRunner(pipeline.Config{
		Source:      source,
		Transformer: transform.New(cfg.Index.Prefix),
		NewSink: func() (sink.Sink, error) {
			return sink.Select(cfg.Index.Node, stdout, func() (sink.Sink, error) {
				b, err := backend()
				if err != nil {
					return nil, err
				}
				return sink.NewIndexSink(indexer.New(b, reporter, indexOpts)), nil
			})
		},
		Reporter: reporter,
		Buffer:   cfg.Index.ChunkSize,
	})

	syslogInfo("espcap", "espcap started")
	log.Info("[espcap] %s starting in %s mode (chunk=%d, stop_on_error=%t)", version.Version, mode, cfg.Index.ChunkSize, cfg.Index.StopOnError)

	var results []pipeline.Result
	switch mode {
	case config.SourceLive:
		var res pipeline.Result
		res, err = runner.RunLive(ctx, capture.Invocation{
			Interface: cfg.Capture.Interface,
			Filter:    cfg.Capture.BPF,
			Count:     cfg.Capture.Count,
		})
		results = append(results, res)
	case config.SourceFile:
		results, err = runner.RunFiles(ctx, []string{cfg.Capture.File})
	case config.SourceDir:
		results, err = runner.RunDir(ctx, cfg.Capture.Dir)
	}

	var total pipeline.Result
	for _, r := range results {
		total.Add(r.Summary)
		total.Captured += r.Captured
		total.Malformed += r.Malformed
	}
	log.Info("[espcap] done: sessions=%d captured=%d malformed=%d indexed=%d failed=%d skipped=%d",
		len(results), total.Captured, total.Malformed, total.Indexed, total.Failed, total.Skipped)
	if total.Failed > 0 || total.Malformed > 0 {
		log.Warn("[espcap] failures were written to %s", reporter.Path())
	}
	return err
}

// newBackendOnce builds the OpenSearch backend on first use and shares it
// across sessions. An unreachable cluster is only a warning here; the
// first bulk request reports it as a failure.
func newBackendOnce(ctx context.Context, cfg *config.Config) func() (indexer.Backend, error) {
	var (
		once    sync.Once
		backend indexer.Backend
		err     error
	)
	return func() (indexer.Backend, error) {
		once.Do(func() {
			var b *indexer.OpenSearchBackend
			b, err = indexer.NewOpenSearchBackend(indexer.OpenSearchConfig{
				Node:          cfg.Index.Node,
				Username:      cfg.Index.Username,
				Password:      cfg.Index.Password,
				TLSSkipVerify: cfg.Index.TLSSkipVerify,
				Action:        cfg.Index.Action,
				Prefix:        cfg.Index.Prefix,
			})
			if err != nil {
				return
			}
			if perr := b.Ping(ctx); perr != nil {
				logger.GetLogger().Warn("[espcap] %v", perr)
			}
			if cfg.Index.Template {
				if err = b.EnsureTemplate(ctx); err != nil {
					return
				}
			}
			backend = b
		})
		return backend, err
	}
}

func listInterfaces(ctx context.Context, source capture.Source, w io.Writer) error {
	ifaces, err := source.ListInterfaces(ctx)
	if err != nil {
		return fmt.Errorf("failed to list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		line := fmt.Sprintf("%d. %s", iface.Index, iface.Name)
		if iface.Description != "" {
			line += " (" + iface.Description + ")"
		}
		if len(iface.Addresses) > 0 {
			line += " [" + strings.Join(iface.Addresses, ", ") + "]"
		}
		fmt.Fprintln(w, line)
	}
	return nil
}
