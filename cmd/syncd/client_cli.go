package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pslog"
	"pkt.systems/syncd/api"
	syncdclient "pkt.systems/syncd/client"
	"pkt.systems/syncd/internal/correlation"
	"pkt.systems/syncd/internal/loggingutil"
	"pkt.systems/syncd/internal/path"
)

const (
	clientServerKey      = "client.server"
	clientCreatorKey     = "client.creator"
	clientDefaultACLKey  = "client.default_acl"
	clientDialTimeoutKey = "client.dial_timeout"
	clientEventBufferKey = "client.event_buffer"
	clientLogLevelKey    = "client.log_level"
	clientLogOutputKey   = "client.log_output"

	envCorrelation = "SYNCD_CLIENT_CORRELATION_ID"

	defaultServerURL = "http://127.0.0.1:9741"
)

func newClientCommand() *cobra.Command {
	cfg := &clientCLIConfig{}
	var verbose bool
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Interact with a running syncd server",
	}

	flags := cmd.PersistentFlags()
	flags.StringP("server", "s", defaultServerURL, "syncd server base URL")
	flags.String("creator", "", "identity stamped on nodes this session writes (default server-assigned session ID)")
	flags.String("session-acl", "", "access tag applied to creations that omit one")
	flags.Duration("dial-timeout", syncdclient.DefaultDialTimeout, "websocket handshake timeout")
	flags.Int("event-buffer", syncdclient.DefaultEventBuffer, "event channel capacity for sub")
	flags.String("log-level", "none", "client log level (trace|debug|info|warn|error|none)")
	flags.String("log-output", "", "client log output path (default stderr)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable verbose (trace) client logging")

	mustBindFlag(clientServerKey, "SYNCD_CLIENT_SERVER", flags.Lookup("server"))
	mustBindFlag(clientCreatorKey, "SYNCD_CLIENT_CREATOR", flags.Lookup("creator"))
	mustBindFlag(clientDefaultACLKey, "SYNCD_CLIENT_SESSION_ACL", flags.Lookup("session-acl"))
	mustBindFlag(clientDialTimeoutKey, "SYNCD_CLIENT_DIAL_TIMEOUT", flags.Lookup("dial-timeout"))
	mustBindFlag(clientEventBufferKey, "SYNCD_CLIENT_EVENT_BUFFER", flags.Lookup("event-buffer"))
	mustBindFlag(clientLogLevelKey, "SYNCD_CLIENT_LOG_LEVEL", flags.Lookup("log-level"))
	mustBindFlag(clientLogOutputKey, "SYNCD_CLIENT_LOG_OUTPUT", flags.Lookup("log-output"))

	cfg.verboseFlag = &verbose

	cmd.AddCommand(
		newClientPubCommand(cfg),
		newClientDelCommand(cfg),
		newClientGetCommand(cfg),
		newClientListCommand(cfg),
		newClientSubCommand(cfg),
		newClientStatsCommand(cfg),
	)

	return cmd
}

func mustBindFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := viper.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
}

type clientCLIConfig struct {
	loaded      bool
	server      string
	creator     string
	defaultACL  string
	dialTimeout time.Duration
	eventBuffer int
	logLevel    string
	logOutput   string
	logger      pslog.Base
	logClosers  []io.Closer
	loggerReady bool
	verboseFlag *bool
}

func (c *clientCLIConfig) load() error {
	if c.loaded {
		return nil
	}
	server := strings.TrimSpace(viper.GetString(clientServerKey))
	if server == "" {
		server = defaultServerURL
	}
	c.server = server
	c.creator = strings.TrimSpace(viper.GetString(clientCreatorKey))
	c.defaultACL = strings.TrimSpace(viper.GetString(clientDefaultACLKey))
	timeout := viper.GetDuration(clientDialTimeoutKey)
	if timeout <= 0 {
		timeout = syncdclient.DefaultDialTimeout
	}
	c.dialTimeout = timeout
	c.eventBuffer = viper.GetInt(clientEventBufferKey)
	c.logOutput = viper.GetString(clientLogOutputKey)
	c.logLevel = strings.TrimSpace(viper.GetString(clientLogLevelKey))
	if c.verboseFlag != nil && *c.verboseFlag {
		c.logLevel = "trace"
	}
	if err := c.setupLogger(); err != nil {
		return err
	}
	c.loaded = true
	return nil
}

func (c *clientCLIConfig) setupLogger() error {
	if c.loggerReady {
		return nil
	}
	levelStr := strings.TrimSpace(strings.ToLower(c.logLevel))
	if levelStr == "" {
		levelStr = "none"
	}
	if levelStr == "none" || levelStr == "disabled" || levelStr == "off" {
		c.logger = nil
		c.loggerReady = true
		return nil
	}
	level, ok := pslog.ParseLevel(levelStr)
	if !ok {
		return fmt.Errorf("invalid client log level %q", c.logLevel)
	}
	if level == pslog.NoLevel || level == pslog.Disabled {
		c.logger = nil
		c.loggerReady = true
		return nil
	}
	var writer io.Writer = os.Stderr
	if c.logOutput != "" {
		switch c.logOutput {
		case "-", "stdout":
			writer = os.Stdout
		case "stderr":
			writer = os.Stderr
		default:
			f, err := os.OpenFile(c.logOutput, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return fmt.Errorf("open log file: %w", err)
			}
			c.logClosers = append(c.logClosers, f)
			writer = f
		}
	}
	c.logger = loggingutil.WithSubsystem(pslog.NewStructured(writer), "client.cli").LogLevel(level)
	c.loggerReady = true
	return nil
}

func (c *clientCLIConfig) cleanup() {
	for _, closer := range c.logClosers {
		_ = closer.Close()
	}
	c.logClosers = nil
	c.logger = nil
	c.loggerReady = false
	c.loaded = false
}

func (c *clientCLIConfig) client() (*syncdclient.Client, error) {
	if err := c.load(); err != nil {
		return nil, err
	}
	opts := []syncdclient.Option{
		syncdclient.WithDialTimeout(c.dialTimeout),
	}
	if c.creator != "" {
		opts = append(opts, syncdclient.WithCreator(c.creator))
	}
	if c.defaultACL != "" {
		opts = append(opts, syncdclient.WithDefaultACL(c.defaultACL))
	}
	if c.eventBuffer > 0 {
		opts = append(opts, syncdclient.WithEventBuffer(c.eventBuffer))
	}
	if c.logger != nil {
		opts = append(opts, syncdclient.WithLogger(c.logger))
	}
	return syncdclient.New(c.server, opts...)
}

type outputMode string

const (
	outputText outputMode = "text"
	outputJSON outputMode = "json"
)

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// splitPathArg turns a slash-joined CLI argument into path segments.
// Segment validation stays server-side; spaces inside segments are legal.
func splitPathArg(arg string) ([]string, error) {
	segments := path.Split(arg)
	if len(segments) == 0 {
		return nil, errors.New("path required")
	}
	return segments, nil
}

// resolveCTS substitutes the current wall clock, in unix milliseconds, when
// the caller did not pin a client timestamp.
func resolveCTS(cts int64) int64 {
	if cts != 0 {
		return cts
	}
	return time.Now().UnixMilli()
}

func resolveCorrelationID() string {
	if env := strings.TrimSpace(os.Getenv(envCorrelation)); env != "" {
		if normalized, ok := correlation.Normalize(env); ok {
			return normalized
		}
	}
	return correlation.Generate()
}

func commandContextWithCorrelation(cmd *cobra.Command) (context.Context, string) {
	id := resolveCorrelationID()
	ctx := correlation.Set(cmd.Context(), id)
	return ctx, id
}

func joinPath(path []string) string {
	return strings.Join(path, "/")
}

func readPayload(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func newClientPubCommand(cfg *clientCLIConfig) *cobra.Command {
	var data string
	var payloadFile string
	var cts int64
	var acl string
	var ttl int64
	var noData bool
	var output string
	cmd := &cobra.Command{
		Use:   "pub <path>",
		Short: "Publish a value at a path",
		Example: `  # Publish inline data
  syncd client pub fleet/alpha/status -d '{"ok":true}'

  # Publish a file, tagging the node
  syncd client pub fleet/alpha/blob --file payload.json --acl ops`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := splitPathArg(args[0])
			if err != nil {
				return err
			}
			if err := cfg.load(); err != nil {
				return err
			}
			defer cfg.cleanup()
			payload := data
			if payloadFile != "" {
				raw, err := readPayload(payloadFile)
				if err != nil {
					return fmt.Errorf("read payload: %w", err)
				}
				payload = string(raw)
			}
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			defer cli.Close()
			var opts []syncdclient.PubOption
			if acl != "" {
				opts = append(opts, syncdclient.WithACL(acl))
			}
			if ttl > 0 {
				opts = append(opts, syncdclient.WithTTLSeconds(ttl))
			}
			if noData {
				opts = append(opts, syncdclient.WithoutData())
			}
			ctx, _ := commandContextWithCorrelation(cmd)
			res, err := cli.Pub(ctx, path, resolveCTS(cts), payload, opts...)
			if err != nil {
				return err
			}
			switch outputMode(strings.ToLower(output)) {
			case outputJSON:
				return writeJSON(cmd.OutOrStdout(), res)
			default:
				fmt.Fprintf(cmd.OutOrStdout(), "cts=%d vts=%d\n", res.CTS, res.VTS)
				return nil
			}
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", "", "inline payload data")
	cmd.Flags().StringVar(&payloadFile, "file", "", "path to payload file (use - for stdin; overrides --data)")
	cmd.Flags().Int64Var(&cts, "cts", 0, "client timestamp for the write (defaults to current unix milliseconds)")
	cmd.Flags().StringVar(&acl, "acl", "", "access tag for the node (changing an existing node's tag costs an extra version tick)")
	cmd.Flags().Int64Var(&ttl, "ttl", 0, "requested record expiry in seconds (reserved; the server currently ignores it)")
	cmd.Flags().BoolVar(&noData, "no-data", false, "publish the node without a payload")
	cmd.Flags().StringVar(&output, "output", string(outputText), "output format (text|json)")
	return cmd
}

func newClientDelCommand(cfg *clientCLIConfig) *cobra.Command {
	var cts int64
	var output string
	cmd := &cobra.Command{
		Use:   "del <path-or-pattern>",
		Short: "Tombstone a node, or every live node matching a pattern",
		Example: `  # Delete a single node
  syncd client del fleet/alpha/status

  # Delete a whole subtree; vts=0 means nothing matched
  syncd client del 'fleet/alpha/#'`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := splitPathArg(args[0])
			if err != nil {
				return err
			}
			if err := cfg.load(); err != nil {
				return err
			}
			defer cfg.cleanup()
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			defer cli.Close()
			ctx, _ := commandContextWithCorrelation(cmd)
			res, err := cli.Del(ctx, target, resolveCTS(cts))
			if err != nil {
				return err
			}
			switch outputMode(strings.ToLower(output)) {
			case outputJSON:
				return writeJSON(cmd.OutOrStdout(), res)
			default:
				fmt.Fprintf(cmd.OutOrStdout(), "cts=%d vts=%d\n", res.CTS, res.VTS)
				return nil
			}
		},
	}
	cmd.Flags().Int64Var(&cts, "cts", 0, "client timestamp for the delete (defaults to current unix milliseconds)")
	cmd.Flags().StringVar(&output, "output", string(outputText), "output format (text|json)")
	return cmd
}

func newClientGetCommand(cfg *clientCLIConfig) *cobra.Command {
	var output string
	var showMeta bool
	cmd := &cobra.Command{
		Use:   "get <path>",
		Short: "Fetch one node, tombstones included",
		Example: `  # Print the stored payload
  syncd client get fleet/alpha/status

  # Full node as JSON, including version counters
  syncd client get fleet/alpha/status --output json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := splitPathArg(args[0])
			if err != nil {
				return err
			}
			if err := cfg.load(); err != nil {
				return err
			}
			defer cfg.cleanup()
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			defer cli.Close()
			ctx, _ := commandContextWithCorrelation(cmd)
			node, err := cli.Get(ctx, path)
			if err != nil {
				return err
			}
			if node == nil {
				return fmt.Errorf("%s: not found", args[0])
			}
			if showMeta {
				fmt.Fprintf(cmd.ErrOrStderr(), "creator=%s acl=%s cts=%d vts=%d deleted=%t\n",
					node.Creator, node.ACL, node.CTS, node.VTS, node.Deleted)
			}
			switch outputMode(strings.ToLower(output)) {
			case outputJSON:
				return writeJSON(cmd.OutOrStdout(), node)
			default:
				if node.Data != nil {
					fmt.Fprintln(cmd.OutOrStdout(), *node.Data)
				}
				return nil
			}
		},
	}
	cmd.Flags().StringVar(&output, "output", string(outputText), "output format (text|json)")
	cmd.Flags().BoolVar(&showMeta, "meta", false, "print node metadata to stderr")
	return cmd
}

func newClientListCommand(cfg *clientCLIConfig) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:     "ls <pattern>",
		Aliases: []string{"list"},
		Short:   "List live nodes matching a pattern",
		Example: `  # Every status node, one hop below fleet
  syncd client ls 'fleet/*/status'

  # The whole tree
  syncd client ls '#'`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pattern, err := splitPathArg(args[0])
			if err != nil {
				return err
			}
			if err := cfg.load(); err != nil {
				return err
			}
			defer cfg.cleanup()
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			defer cli.Close()
			ctx, _ := commandContextWithCorrelation(cmd)
			nodes, err := cli.List(ctx, pattern)
			if err != nil {
				return err
			}
			switch outputMode(strings.ToLower(output)) {
			case outputJSON:
				return writeJSON(cmd.OutOrStdout(), nodes)
			default:
				out := cmd.OutOrStdout()
				for _, node := range nodes {
					fmt.Fprintf(out, "%s vts=%d cts=%d creator=%s acl=%s\n",
						joinPath(node.Path), node.VTS, node.CTS, node.Creator, node.ACL)
				}
				return nil
			}
		},
	}
	cmd.Flags().StringVar(&output, "output", string(outputText), "output format (text|json)")
	return cmd
}

func newClientSubCommand(cfg *clientCLIConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sub <pattern> [pattern...]",
		Short: "Subscribe to patterns and stream Data events as JSON lines",
		Example: `  # Follow every committed write under fleet until interrupted
  syncd client sub 'fleet/#'

  # Multiple patterns on one session
  syncd client sub 'fleet/*/status' 'alerts/#'`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.load(); err != nil {
				return err
			}
			defer cfg.cleanup()
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			defer cli.Close()
			ctx, _ := commandContextWithCorrelation(cmd)
			for _, arg := range args {
				pattern, err := splitPathArg(arg)
				if err != nil {
					return err
				}
				vts, err := cli.Sub(ctx, pattern)
				if err != nil {
					return fmt.Errorf("subscribe %s: %w", arg, err)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "subscribed %s vts=%d\n", arg, vts)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for {
				select {
				case <-ctx.Done():
					return nil
				case node, ok := <-cli.Events():
					if !ok {
						return errors.New("session closed")
					}
					if err := enc.Encode(node); err != nil {
						return err
					}
				}
			}
		},
	}
	return cmd
}

func newClientStatsCommand(cfg *clientCLIConfig) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:           "stats",
		Short:         "Print server statistics",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.load(); err != nil {
				return err
			}
			defer cfg.cleanup()
			target, err := statsURL(cfg.server)
			if err != nil {
				return err
			}
			ctx, _ := commandContextWithCorrelation(cmd)
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
			if err != nil {
				return err
			}
			httpClient := &http.Client{Timeout: cfg.dialTimeout}
			resp, err := httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("stats: unexpected status %s", resp.Status)
			}
			var stats api.StatsResponse
			if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
				return fmt.Errorf("decode stats: %w", err)
			}
			switch outputMode(strings.ToLower(output)) {
			case outputJSON:
				return writeJSON(cmd.OutOrStdout(), stats)
			default:
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "sessions=%d subscribed_sessions=%d subscriptions=%d dispatch_queue_depth=%d\n",
					stats.Sessions, stats.SubscribedSessions, stats.Subscriptions, stats.DispatchQueueDepth)
				if stats.LiveNodes != nil && stats.Tombstones != nil {
					fmt.Fprintf(out, "live_nodes=%d tombstones=%d\n", *stats.LiveNodes, *stats.Tombstones)
				}
				if stats.Version != "" {
					fmt.Fprintf(out, "version=%s\n", stats.Version)
				}
				return nil
			}
		},
	}
	cmd.Flags().StringVar(&output, "output", string(outputText), "output format (text|json)")
	return cmd
}

// statsURL maps the configured server base URL onto the stats endpoint,
// normalizing websocket schemes back to HTTP.
func statsURL(base string) (string, error) {
	raw := strings.TrimSpace(base)
	if raw == "" {
		raw = defaultServerURL
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse server url %q: %w", base, err)
	}
	switch u.Scheme {
	case "http", "https":
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/stats"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
