package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/m4xw311/conductor/agent"
	"github.com/m4xw311/conductor/agent/acp"
	"github.com/m4xw311/conductor/agent/terminal"
	"github.com/m4xw311/conductor/config"
	"github.com/m4xw311/conductor/errors"
	"github.com/m4xw311/conductor/llm"
	"github.com/m4xw311/conductor/logging"
	"github.com/m4xw311/conductor/session"
	"github.com/m4xw311/conductor/tools"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type options struct {
	mode       string
	toolset    string
	configPath string
	acp        bool
	provider   string
	model      string
	verbose    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "conductor [prompt...]",
		Short: "Run conversational workers against a language model",
		Long: `conductor drives one or more conversational workers. Each worker sends
prompts to the configured model, streams the reply and asks before running
tools unless the mode is auto.

Without --acp it starts an interactive terminal session; positional
arguments form the first prompt. With --acp it speaks the Agent Client
Protocol on stdio.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, args, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.mode, "mode", "m", "", "Execution mode: 'auto' or 'prompt' (overrides config)")
	flags.StringVarP(&opts.toolset, "toolset", "t", "", "Toolset to use (defaults to 'default')")
	flags.StringVar(&opts.configPath, "config", "", "Load this config file instead of the user and project ones")
	flags.BoolVar(&opts.acp, "acp", false, "Serve the Agent Client Protocol over stdio")
	flags.StringVar(&opts.provider, "provider", "", "Model provider: bedrock, anthropic, openai, gemini or mock")
	flags.StringVar(&opts.model, "model", "", "Model name (overrides config)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Debug logging and worker state output")
	return cmd
}

func loadConfig(opts *options) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.configPath != "" {
		cfg, err = config.LoadFile(opts.configPath)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		return nil, err
	}

	if opts.provider != "" {
		cfg.LLMClient = opts.provider
		if opts.model == "" && opts.provider == config.DefaultProvider {
			cfg.Model = config.DefaultBedrockModel
		}
	}
	if opts.model != "" {
		cfg.Model = opts.model
	}
	if opts.mode != "" {
		cfg.Mode = opts.mode
	}
	if opts.verbose {
		cfg.Logging.Level = "debug"
	}
	// stdout carries JSON-RPC in ACP mode.
	if opts.acp && cfg.Logging.Output == "stdout" {
		cfg.Logging.Output = "stderr"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, opts *options, args []string, in io.Reader, out io.Writer) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return errors.Wrapf(err, "error loading configuration")
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	mode, err := agent.ParseMode(cfg.Mode)
	if err != nil {
		return err
	}

	registry := tools.NewToolRegistry(cfg)
	defer func() {
		if err := registry.Close(); err != nil {
			logger.Warn("failed to stop mcp servers", zap.Error(err))
		}
	}()
	if err := registry.ConnectMCPServers(ctx, cfg.AdditionalMCPServers, logger); err != nil {
		return err
	}
	toolset, err := cfg.GetToolset(opts.toolset)
	if err != nil {
		return err
	}
	active, err := registry.GetActiveTools(toolset)
	if err != nil {
		return err
	}

	provider, err := llm.NewProvider(ctx, cfg, active)
	if err != nil {
		return err
	}
	if c, ok := provider.(io.Closer); ok {
		defer c.Close()
	}

	logger.Info("starting conductor",
		zap.String("provider", cfg.LLMClient),
		zap.String("model", cfg.Model),
		zap.String("mode", string(mode)),
		zap.String("toolset", toolset.Name),
		zap.Int("tools", len(active)),
		zap.Bool("acp", opts.acp),
	)

	sess := session.New(ctx, provider, nil,
		session.WithTools(tools.NewExecutor(active)),
		session.WithMode(mode),
		session.WithLogger(logger),
		session.WithQueueCapacity(cfg.Queue.Capacity),
		session.WithConfirmationTimeout(time.Duration(cfg.ConfirmationTimeout)),
	)
	defer func() {
		if err := sess.Close(); err != nil {
			logger.Warn("session did not stop cleanly", zap.Error(err))
		}
	}()

	if opts.acp {
		if err := acp.New(sess, in, out, acp.WithLogger(logger)).Run(ctx); err != nil {
			return errors.Wrapf(err, "ACP mode failed")
		}
		return nil
	}

	fmt.Fprintln(out, "Conductor is ready. Type your prompt.")
	term := terminal.New(sess,
		terminal.WithIO(in, out),
		terminal.WithVerbose(opts.verbose),
		terminal.WithLogger(logger),
	)
	if err := term.Run(ctx, strings.Join(args, " ")); err != nil {
		return errors.Wrapf(err, "terminal stopped with an error")
	}
	return nil
}
