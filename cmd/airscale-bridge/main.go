package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli"

	"github.com/airscales/airscale-bridge/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	app := cli.NewApp()
	app.Name = "airscale-bridge"
	app.Usage = "bridge AirScale BLE sensors to the AirScale backend"
	app.Version = version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "path to config file (default: ~/.config/airscale-bridge/config.yaml)",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "run the bridge daemon",
			Action: runCommand,
		},
		{
			Name:   "scan",
			Usage:  "list nearby AirScale sensors",
			Action: scanCommand,
			Flags: []cli.Flag{
				cli.DurationFlag{Name: "duration, d", Value: defaultScanDuration, Usage: "how long to scan"},
			},
		},
		{
			Name:   "forget",
			Usage:  "forget the saved sensor",
			Action: forgetCommand,
		},
		{
			Name:   "ota",
			Usage:  "flash firmware onto the saved sensor",
			Action: otaCommand,
			Flags: []cli.Flag{
				cli.StringFlag{Name: "url", Usage: "firmware image URL, absolute or relative to the backend"},
				cli.StringFlag{Name: "checksum", Usage: "expected MD5 of the image (hex)"},
			},
		},
		{
			Name:   "init",
			Usage:  "write a default config file",
			Action: initCommand,
		},
		{
			Name:  "version",
			Usage: "print the version",
			Action: func(c *cli.Context) error {
				fmt.Println(version)
				return nil
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, red("error: ")+err.Error())
		os.Exit(1)
	}
}

// setup loads and validates the config and installs the logger.
func setup(c *cli.Context) (*config.Config, error) {
	cfg, err := loadConfig(c.GlobalString("config"))
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))
	return cfg, nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	return config.Default(), nil
}

func initCommand(c *cli.Context) error {
	path, err := config.WriteDefault()
	if err != nil {
		return err
	}
	if path == "" {
		fmt.Println("Config already exists at " + cyan(config.DefaultConfigPath()))
		return nil
	}
	fmt.Println("Wrote default config to " + green(path))
	return nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	backendURL := cfg.Backend.URL
	if backendURL == "" {
		backendURL = "(disabled)"
	}
	api := "(disabled)"
	if cfg.API.Enabled {
		api = cfg.API.Addr
	}
	fmt.Println("=== airscale-bridge " + version + " ===")
	fmt.Printf("  Radio:    %s\n", cfg.BLE.Backend)
	fmt.Printf("  Prefix:   %s\n", cfg.BLE.NamePrefix)
	fmt.Printf("  Backend:  %s\n", backendURL)
	fmt.Printf("  State:    %s\n", cfg.Store.Path)
	fmt.Printf("  API:      %s\n", api)
	fmt.Printf("  Log:      %s\n", cfg.LogLevel)
	fmt.Println("==============================")
}
