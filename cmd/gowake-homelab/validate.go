package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fgeck/gowake-homelab/internal/config"
	"github.com/fgeck/gowake-homelab/internal/services/ssh"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var checkSSH bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the configuration file without logging in to Discord.
With --check-ssh, also test the SSH connection of every device with shutdown configured.`,
	RunE: validateConfig,
}

func init() {
	validateCmd.Flags().BoolVar(&checkSSH, "check-ssh", false, "test SSH connections of devices with shutdown configured")
}

func validateConfig(cmd *cobra.Command, args []string) error {
	if configFile == "" {
		log.Error().Msg("config file is required")
		return cmd.Help()
	}

	// Check if file exists
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		log.Error().Str("file", configFile).Msg("config file not found")
		return fmt.Errorf("config file not found: %s", configFile)
	}

	// Load configuration
	parser := config.NewParser()
	cfg, err := parser.LoadFile(configFile)
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to parse config")
		return err
	}

	// Validate configuration
	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("configuration validation failed")
		return err
	}

	unusable := config.UnusableMACs(cfg)

	// Print configuration summary
	fmt.Println("Configuration is valid!")
	fmt.Println()
	fmt.Println("Summary:")
	fmt.Printf("  Server ID: %s\n", cfg.Discord.ServerID)
	fmt.Printf("  Channel ID: %s\n", cfg.Discord.ChannelID)
	fmt.Printf("  Bot Token: (configured)\n")
	fmt.Printf("  Status check interval: %s\n", cfg.StatusCheckInterval)
	fmt.Printf("  Broadcast IP: %s\n", cfg.WOL.BroadcastIP)
	fmt.Println()
	fmt.Println("Devices:")
	for _, dev := range cfg.Devices {
		fmt.Printf("  %s %s\n", dev.Emoji, dev.Name)
		fmt.Printf("    IP Address: %s\n", dev.IPAddress)
		if err, ok := unusable[dev.Name]; ok {
			fmt.Printf("    MAC Address: %s (unusable: %v)\n", dev.MACAddress, err)
		} else {
			fmt.Printf("    MAC Address: %s\n", dev.MACAddress)
		}
		fmt.Printf("    Startup timeout: %s\n", dev.StartupTimeout)
		if dev.Shutdown != nil {
			fmt.Printf("    SSH Shutdown: %s@%s:%d (%s, delay %d minute(s))\n",
				dev.Shutdown.Username, dev.Shutdown.Host, dev.Shutdown.Port, dev.Shutdown.OS, dev.Shutdown.ShutdownDelay)
		}
	}
	fmt.Println()
	fmt.Println("Optional Features:")
	fmt.Printf("  Telegram: %v\n", cfg.Telegram != nil)
	fmt.Printf("  Metrics: %v\n", cfg.Metrics != nil)

	if cfg.Telegram != nil {
		fmt.Println()
		fmt.Println("Telegram Configuration:")
		fmt.Printf("  Chat ID: %s\n", cfg.Telegram.ChatID)
		fmt.Printf("  Bot Token: (configured)\n")
	}

	if cfg.Metrics != nil {
		fmt.Println()
		fmt.Println("Metrics Configuration:")
		fmt.Printf("  Listen: %s\n", cfg.Metrics.Listen)
	}

	if !checkSSH {
		return nil
	}

	fmt.Println()
	fmt.Println("SSH Connection Checks:")

	sshSvc := ssh.New(log.Logger)
	var failed bool
	for _, dev := range cfg.Devices {
		if dev.Shutdown == nil {
			continue
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		result, err := sshSvc.TestConnection(ctx, *dev.Shutdown)
		cancel()

		switch {
		case err != nil:
			failed = true
			fmt.Printf("  %s: FAILED (%v)\n", dev.Name, err)
		case result.Error != nil:
			failed = true
			fmt.Printf("  %s: FAILED (%v)\n", dev.Name, result.Error)
		default:
			fmt.Printf("  %s: OK\n", dev.Name)
		}
	}

	if failed {
		return fmt.Errorf("one or more SSH checks failed")
	}
	return nil
}
