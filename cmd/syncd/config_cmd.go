package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/syncd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage syncd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.syncd/" + syncd.DefaultConfigFileName
	if dir, err := syncd.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, syncd.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default syncd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				dir, err := syncd.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, syncd.DefaultConfigFileName)
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}

			if stdout {
				fmt.Fprint(cmd.OutOrStdout(), string(data))
				return nil
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Listen               string `yaml:"listen"`
	Store                string `yaml:"store"`
	MetricsListen        string `yaml:"metrics-listen"`
	PprofListen          string `yaml:"pprof-listen"`
	EnableRuntimeMetrics bool   `yaml:"enable-runtime-metrics"`
	OTLPEndpoint         string `yaml:"otlp-endpoint"`
	DisableHTTPTracing   bool   `yaml:"disable-http-tracing"`
	DefaultACL           string `yaml:"default-acl"`
	ACLTickOnCreate      bool   `yaml:"acl-tick-on-create"`
	SessionSendBuffer    int    `yaml:"session-send-buffer"`
	DispatchQueue        int    `yaml:"dispatch-queue"`
	MaxPayload           string `yaml:"max-payload"`
	WriteTimeout         string `yaml:"write-timeout"`
	PingInterval         string `yaml:"ping-interval"`
	ShutdownTimeout      string `yaml:"shutdown-timeout"`
	LogLevel             string `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:               syncd.DefaultListen,
		Store:                syncd.DefaultStore,
		MetricsListen:        syncd.DefaultMetricsListen,
		PprofListen:          syncd.DefaultPprofListen,
		EnableRuntimeMetrics: false,
		OTLPEndpoint:         "",
		DisableHTTPTracing:   false,
		DefaultACL:           syncd.DefaultDefaultACL,
		ACLTickOnCreate:      false,
		SessionSendBuffer:    syncd.DefaultSessionSendBuffer,
		DispatchQueue:        syncd.DefaultDispatchQueue,
		MaxPayload:           humanizeBytes(syncd.DefaultMaxPayloadBytes),
		WriteTimeout:         syncd.DefaultWriteTimeout.String(),
		PingInterval:         syncd.DefaultPingInterval.String(),
		ShutdownTimeout:      syncd.DefaultShutdownTimeout.String(),
		LogLevel:             "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}

	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
