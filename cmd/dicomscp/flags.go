package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/caio-sobreiro/dicomscp/config"
)

// cliConfig holds command-line configuration. Flags override the
// configuration file and the environment only when set.
type cliConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	AdminAddr       string
	ReceiverEnabled bool
	ShutdownTimeout time.Duration
	ShowVersion     bool
	Validate        bool

	flags *pflag.FlagSet
}

func parseFlags(args []string) (*cliConfig, error) {
	cli := &cliConfig{}
	fs := pflag.NewFlagSet(appName, pflag.ContinueOnError)
	fs.StringVarP(&cli.ConfigPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG"),
		"Path to the YAML configuration file (env: DICOMSCP_CONFIG)")
	fs.StringVar(&cli.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.StringVar(&cli.LogFormat, "log-format", "", "Log format: json, text")
	fs.StringVar(&cli.AdminAddr, "admin-addr", "", "Admin API listen address, empty string disables it")
	fs.BoolVar(&cli.ReceiverEnabled, "receiver-enabled", true, "Start the DICOM receivers")
	fs.DurationVar(&cli.ShutdownTimeout, "shutdown-timeout", 30*time.Second, "Graceful shutdown timeout")
	fs.BoolVarP(&cli.ShowVersion, "version", "v", false, "Show version information")
	fs.BoolVar(&cli.Validate, "validate", false, "Validate the configuration and exit")
	fs.Usage = func() {
		_, _ = fmt.Fprintf(os.Stderr, "%s - DICOM C-STORE receiver\n\nUsage: %s [options]\n\nOptions:\n", appName, appName)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cli.flags = fs
	return cli, nil
}

// apply copies the flags that were set onto cfg.
func (c *cliConfig) apply(cfg *config.Config) {
	if c.flags.Changed("log-level") {
		cfg.Log.Level = c.LogLevel
	}
	if c.flags.Changed("log-format") {
		cfg.Log.Format = c.LogFormat
	}
	if c.flags.Changed("admin-addr") {
		cfg.Admin.Address = c.AdminAddr
	}
	if c.flags.Changed("receiver-enabled") {
		cfg.Receiver.Enabled = c.ReceiverEnabled
	}
}
