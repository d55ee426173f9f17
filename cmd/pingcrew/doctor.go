package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"pingcrew/internal/config"
	"pingcrew/internal/provider"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your pingcrew installation",
		Long: `Verifies that the configuration, the ping utility, the history database,
the crew files and the model providers are usable. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("pingcrew doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file
			var cfg *config.Config
			if _, err := os.Stat(cfgPath); err != nil {
				printWarn("Config file", fmt.Sprintf("not found at %s, using defaults", cfgPath))
				warned++
				var err error
				if cfg, err = config.LoadOrDefault(cfgPath); err != nil {
					printFail("Config", err.Error())
					return fmt.Errorf("cannot load config")
				}
			} else {
				printPass("Config file", cfgPath)
				passed++
				var err error
				cfg, err = config.Load(cfgPath)
				if err != nil {
					printFail("Config validation", err.Error())
					failed++
					fmt.Printf("\n%d passed, %d failed\n", passed, failed)
					return fmt.Errorf("config is invalid")
				}
				printPass("Config validation", "valid")
				passed++
			}

			// 2. Probe utility
			if path, err := exec.LookPath(cfg.Probe.Binary); err != nil {
				printFail("Ping utility", fmt.Sprintf("%s not found in PATH", cfg.Probe.Binary))
				failed++
			} else {
				printPass("Ping utility", path)
				passed++
			}

			if tools, err := registerTools(cfg); err != nil {
				printFail("Tools", err.Error())
				failed++
			} else {
				for _, def := range tools.Definitions() {
					printPass("Tool: "+def.Name, def.Description)
					passed++
				}
			}

			// 3. History database
			if cfg.Memory.Enabled {
				if err := checkDatabase(cfg.Memory.DBPath); err != nil {
					printFail("Database", err.Error())
					failed++
				} else {
					printPass("Database", cfg.Memory.DBPath)
					passed++
				}
			} else {
				printWarn("Database", "history disabled")
				warned++
			}

			// 4. Crew definition
			if def, err := loadCrewDefinition(cfg.Crew); err != nil {
				printFail("Crew files", err.Error())
				failed++
			} else {
				printPass("Crew files", fmt.Sprintf("%d agents, %d tasks, inputs %v", len(def.Agents), len(def.Tasks), def.Placeholders()))
				passed++
			}
			if _, err := os.Stat(cfg.Crew.AgentsFile); err != nil {
				printWarn("Crew templates", "not written yet (run 'pingcrew init'), bundled crew will be used")
				warned++
			}

			// 5. Providers
			factory := provider.NewFactory(cfg, logger)
			names := factory.Names()
			if len(names) == 0 {
				printFail("Providers", "no providers enabled")
				failed++
			}
			for _, name := range names {
				p, err := factory.Get(name)
				if err != nil {
					printFail("Provider: "+name, err.Error())
					failed++
					continue
				}
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err = p.Healthy(ctx)
				cancel()
				if err != nil {
					printWarn("Provider: "+name, fmt.Sprintf("unreachable: %v", err))
					warned++
				} else {
					printPass("Provider: "+name, "healthy")
					passed++
				}
			}

			// 6. Metrics endpoint
			if cfg.Agent.MetricsAddr != "" {
				if err := checkAddr(cfg.Agent.MetricsAddr); err != nil {
					printWarn("Metrics addr", fmt.Sprintf("%s may be in use: %v", cfg.Agent.MetricsAddr, err))
					warned++
				} else {
					printPass("Metrics addr", cfg.Agent.MetricsAddr+" available")
					passed++
				}
			}

			// 7. Log file
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running pingcrew.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\npingcrew should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! pingcrew is ready to run.\n")
			}
			return nil
		},
	}
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}

	// Try a write.
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")

	return nil
}

func checkAddr(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
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
