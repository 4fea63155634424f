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

	"github.com/cinience/rpcrelay/internal/client"
	"github.com/cinience/rpcrelay/internal/completion"
	"github.com/cinience/rpcrelay/internal/config"
	"github.com/cinience/rpcrelay/internal/logger"
	"github.com/cinience/rpcrelay/internal/relay"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

type cliOptions struct {
	configPath   string
	logLevel     string
	logFile      string
	host         string
	port         int
	backend      string
	model        string
	baseURL      string
	timeoutMs    int
	queueSize    int
	url          string
	drainTimeout time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{drainTimeout: client.DefaultDrainTimeout}

	rootCmd := &cobra.Command{
		Use:           "rpcrelay",
		Short:         "WebSocket JSON-RPC chat relay",
		Long:          "Relays chat input over a WebSocket JSON-RPC channel to a completion backend, keeping one conversation per connection.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Config file (default: $RPCRELAY_CONFIG or ./"+config.DefaultConfigFile+")")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug|info|warn|error|none")
	rootCmd.PersistentFlags().StringVar(&opts.logFile, "log-file", "", "Log file (default: stderr)")

	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newChatCmd(opts))
	rootCmd.AddCommand(newSendCmd(opts))
	rootCmd.AddCommand(newConfigCmd(opts))
	return rootCmd
}

func newServeCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, *opts)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := initLogging(cfg); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&opts.host, "host", config.DefaultHost, "Listen host")
	cmd.Flags().IntVar(&opts.port, "port", config.DefaultPort, "Listen port")
	cmd.Flags().StringVar(&opts.backend, "backend", config.DefaultBackend, "Completion backend: openai|agentkit|echo")
	cmd.Flags().StringVar(&opts.model, "model", "", "Model name (default: backend default)")
	cmd.Flags().StringVar(&opts.baseURL, "base-url", "", "Completion API base URL")
	cmd.Flags().IntVar(&opts.timeoutMs, "timeout-ms", config.DefaultTimeoutMs, "Completion timeout in milliseconds (0 disables)")
	cmd.Flags().IntVar(&opts.queueSize, "queue-size", config.DefaultQueueSize, "Outbound queue capacity per connection")
	return cmd
}

func newChatCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive client for a running relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, *opts)
			if err != nil {
				return err
			}
			if err := initLogging(cfg); err != nil {
				return err
			}
			url := chatURL(cmd, *opts, cfg)
			c, err := client.Dial(cmd.Context(), url, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			lines, closer, err := client.NewLineReader(os.Stdin, cmd.OutOrStdout())
			if err != nil {
				_ = c.Close(cmd.Context())
				return err
			}
			defer closer.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "connected to %s (type /help for commands, exit to quit)\n", url)
			return c.Run(cmd.Context(), lines, client.Options{DrainTimeout: opts.drainTimeout})
		},
	}
	addURLFlags(cmd, opts)
	return cmd
}

func newSendCmd(opts *cliOptions) *cobra.Command {
	var image string
	cmd := &cobra.Command{
		Use:   "send [text...]",
		Short: "Send a single input and print the reply",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, *opts)
			if err != nil {
				return err
			}
			if err := initLogging(cfg); err != nil {
				return err
			}
			text, err := maybePrependStdin(cmd.InOrStdin(), strings.TrimSpace(strings.Join(args, " ")))
			if err != nil {
				return err
			}
			if strings.TrimSpace(text) == "" {
				return fmt.Errorf("no input provided")
			}
			var encoded string
			if image != "" {
				if encoded, err = client.LoadImage(image); err != nil {
					return fmt.Errorf("attach image: %w", err)
				}
			}
			return sendOnce(cmd.Context(), chatURL(cmd, *opts, cfg), text, encoded, opts.drainTimeout, cmd.OutOrStdout())
		},
	}
	addURLFlags(cmd, opts)
	cmd.Flags().StringVar(&image, "image", "", "Image file to attach")
	return cmd
}

func newConfigCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, *opts)
			if err != nil {
				return err
			}
			config.PrintEffective(cmd.OutOrStdout(), cfg)
			if err := cfg.Validate(); err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "  invalid: %v\n", err)
			}
			return nil
		},
	}
}

func addURLFlags(cmd *cobra.Command, opts *cliOptions) {
	cmd.Flags().StringVar(&opts.url, "url", "", "Relay URL (default: derived from server host/port)")
	cmd.Flags().DurationVar(&opts.drainTimeout, "drain-timeout", client.DefaultDrainTimeout, "How long to wait for outstanding replies on exit")
}

func serve(ctx context.Context, cfg config.Config) error {
	inv, err := completion.New(ctx, completionOptions(cfg))
	if err != nil {
		return fmt.Errorf("init completion backend: %w", err)
	}
	defer inv.Close()

	srv := relay.NewServer(relay.OptionsFromConfig(cfg), inv, logger.Global())
	if err := srv.Start(); err != nil {
		return err
	}
	logger.Info("backend %s ready", inv.Name())
	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Stop(shutdownCtx)
}

// resolveConfig layers explicitly set flags over file and environment.
func resolveConfig(cmd *cobra.Command, opts cliOptions) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	if flagChanged(cmd, "log-level") {
		cfg.Logging.Level = opts.logLevel
	}
	if flagChanged(cmd, "log-file") {
		cfg.Logging.File = opts.logFile
	}
	if flagChanged(cmd, "host") {
		cfg.Server.Host = opts.host
	}
	if flagChanged(cmd, "port") {
		cfg.Server.Port = opts.port
	}
	if flagChanged(cmd, "queue-size") {
		cfg.Server.QueueSize = opts.queueSize
	}
	if flagChanged(cmd, "backend") {
		cfg.Completion.Backend = opts.backend
	}
	if flagChanged(cmd, "model") {
		cfg.Completion.Model = opts.model
	}
	if flagChanged(cmd, "base-url") {
		cfg.Completion.BaseURL = opts.baseURL
	}
	if flagChanged(cmd, "timeout-ms") {
		cfg.Completion.TimeoutMs = opts.timeoutMs
	}
	return cfg, nil
}

func flagChanged(cmd *cobra.Command, name string) bool {
	if cmd == nil {
		return false
	}
	if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
		return true
	}
	if f := cmd.InheritedFlags().Lookup(name); f != nil && f.Changed {
		return true
	}
	return false
}

func chatURL(cmd *cobra.Command, opts cliOptions, cfg config.Config) string {
	if flagChanged(cmd, "url") && strings.TrimSpace(opts.url) != "" {
		return strings.TrimSpace(opts.url)
	}
	if v := strings.TrimSpace(os.Getenv("RPCRELAY_URL")); v != "" {
		return v
	}
	return cfg.URL()
}

func completionOptions(cfg config.Config) completion.Options {
	return completion.Options{
		Backend:      cfg.Completion.Backend,
		APIKey:       cfg.Completion.APIKey,
		Model:        cfg.Completion.Model,
		BaseURL:      cfg.Completion.BaseURL,
		SystemPrompt: cfg.Completion.SystemPrompt,
		Timeout:      time.Duration(cfg.Completion.TimeoutMs) * time.Millisecond,
	}
}

func initLogging(cfg config.Config) error {
	if err := logger.Init(logger.ParseLevel(cfg.Logging.Level), cfg.Logging.File); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	return nil
}

func sendOnce(ctx context.Context, url, text, image string, drainTimeout time.Duration, out io.Writer) error {
	c, err := client.Dial(ctx, url, out)
	if err != nil {
		return err
	}
	if _, err := c.Send(text, image); err != nil {
		_ = c.Close(ctx)
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()
	waitErr := c.Wait(waitCtx)

	closeCtx, cancelClose := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelClose()
	if err := c.Close(closeCtx); err != nil && waitErr == nil {
		waitErr = err
	}
	return waitErr
}

func maybePrependStdin(in io.Reader, prompt string) (string, error) {
	if f, ok := in.(*os.File); ok {
		fi, err := f.Stat()
		if err != nil {
			return prompt, err
		}
		if (fi.Mode()&os.ModeNamedPipe) == 0 && !fi.Mode().IsRegular() {
			return prompt, nil
		}
	}
	b, err := io.ReadAll(in)
	if err != nil {
		return prompt, err
	}
	stdinText := strings.TrimSpace(string(b))
	if stdinText == "" {
		return prompt, nil
	}
	if strings.TrimSpace(prompt) == "" {
		return stdinText, nil
	}
	return stdinText + "\n\n" + prompt, nil
}
