package main

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"suppliersync/internal/bus"
	"suppliersync/internal/config"
	"suppliersync/internal/resume"
	"suppliersync/internal/store"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your suppliersync installation",
		Long: `Verifies that the configuration, database, listener port, workflow
engine and relay are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("suppliersync doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'suppliersync init' to create a default configuration.\n")
				return nil
			}
			printPass("Config file", cfgPath)
			passed++

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				fmt.Printf("\n%d passed, 1 failed\n", passed)
				return err
			}
			printPass("Config validation", "valid")
			passed++

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			// 3. Database opens and migrates
			if err := checkStore(cfg.Store.Path); err != nil {
				printFail("Database", err.Error())
				failed++
			} else {
				printPass("Database", cfg.Store.Path)
				passed++
			}

			// 4. Listener port
			if err := checkPort(cfg.Server.Host, cfg.Server.Port); err != nil {
				printWarn("Server port", fmt.Sprintf("port %d may be in use: %v", cfg.Server.Port, err))
				warned++
			} else {
				printPass("Server port", fmt.Sprintf("%s:%d available", cfg.Server.Host, cfg.Server.Port))
				passed++
			}

			// 5. Workflow engine
			switch cfg.Resume.Backend {
			case "temporal":
				client, err := resume.DialTemporal(ctx, resume.TemporalConfig{
					Address:   cfg.Resume.Temporal.Address,
					Namespace: cfg.Resume.Temporal.Namespace,
				}, logger)
				if err != nil {
					printFail("Workflow engine", err.Error())
					failed++
				} else {
					client.Close()
					printPass("Workflow engine", "temporal at "+cfg.Resume.Temporal.Address)
					passed++
				}
			case "webhook":
				if u, err := url.Parse(cfg.Resume.Webhook.URL); err != nil || u.Host == "" {
					printFail("Workflow engine", fmt.Sprintf("invalid webhook url %q", cfg.Resume.Webhook.URL))
					failed++
				} else {
					printPass("Workflow engine", "webhook "+u.Host)
					passed++
				}
			default:
				printWarn("Workflow engine", "noop backend: responses are recorded but no workflow is resumed")
				warned++
			}

			// 6. Relay
			if cfg.Relay.Enabled {
				relay, err := bus.NewRedisRelay(ctx, bus.RedisRelayConfig{
					Addr:     cfg.Relay.Addr,
					Password: cfg.Relay.Password,
					DB:       cfg.Relay.DB,
					Channel:  cfg.Relay.Channel,
				}, logger)
				if err != nil {
					printFail("Redis relay", err.Error())
					failed++
				} else {
					relay.Close()
					printPass("Redis relay", cfg.Relay.Addr)
					passed++
				}
			}

			// 7. Authentication
			if cfg.Auth.Enabled {
				printPass("Authentication", "bearer tokens required")
				passed++
			} else {
				printWarn("Authentication", "disabled: every caller is trusted")
				warned++
			}

			// 8. Follow-up senders
			senders := 0
			for _, on := range []bool{cfg.FollowUp.Telegram.Enabled, cfg.FollowUp.Slack.Enabled, cfg.FollowUp.Discord.Enabled, cfg.FollowUp.WhatsApp.Enabled} {
				if on {
					senders++
				}
			}
			if cfg.FollowUp.Enabled && senders == 0 {
				printWarn("Follow-up senders", "none enabled: follow-ups go to the operator feed only")
				warned++
			} else if cfg.FollowUp.Enabled {
				printPass("Follow-up senders", fmt.Sprintf("%d channel(s)", senders))
				passed++
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running suppliersync.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nsuppliersync should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! suppliersync is ready to run.\n")
			}
			return nil
		},
	}
}

// checkStore opens the database, which also applies pending migrations.
func checkStore(dbPath string) error {
	s, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return err
	}
	return s.Close()
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
