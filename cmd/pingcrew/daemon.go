package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"pingcrew/internal/config"

	"github.com/spf13/cobra"
)

const (
	launchdLabel = "com.pingcrew.agent"
	systemdUnit  = "pingcrew.service"
)

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the headless agent as a user service (launchd/systemd)",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Install the headless agent as a user service",
		Long:  "Generates and installs a service file that runs 'pingcrew agent --headless' on login.",
		RunE: func(cmd *cobra.Command, args []string) error {
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			path, err := installService(runtime.GOOS, userHome(), execPath, resolveConfigPath())
			if err != nil {
				return err
			}
			fmt.Printf("Daemon installed: %s\n", path)
			printServiceHints(runtime.GOOS, path)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := servicePath(runtime.GOOS, userHome())
			if err != nil {
				return err
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove service file: %w", err)
			}
			fmt.Printf("Daemon uninstalled: %s\n", path)
			return nil
		},
	})
	return cmd
}

func userHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

func servicePath(goos, home string) (string, error) {
	switch goos {
	case "darwin":
		return filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist"), nil
	case "linux":
		return filepath.Join(home, ".config", "systemd", "user", systemdUnit), nil
	default:
		return "", fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", goos)
	}
}

// renderService fills the launchd or systemd template for goos.
func renderService(goos, execPath, cfgPath string) (string, error) {
	switch goos {
	case "darwin":
		logDir := filepath.Join(config.DefaultConfigDir(), "logs")
		r := strings.NewReplacer(
			"{{LABEL}}", launchdLabel,
			"{{EXEC}}", execPath,
			"{{CONFIG}}", cfgPath,
			"{{LOG}}", filepath.Join(logDir, "pingcrew.log"),
			"{{ERR_LOG}}", filepath.Join(logDir, "pingcrew-error.log"),
		)
		return r.Replace(launchdTemplate), nil
	case "linux":
		r := strings.NewReplacer("{{EXEC}}", execPath, "{{CONFIG}}", cfgPath)
		return r.Replace(systemdTemplate), nil
	default:
		return "", fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", goos)
	}
}

func installService(goos, home, execPath, cfgPath string) (string, error) {
	path, err := servicePath(goos, home)
	if err != nil {
		return "", err
	}
	content, err := renderService(goos, execPath, cfgPath)
	if err != nil {
		return "", err
	}
	if goos == "darwin" {
		if err := os.MkdirAll(filepath.Join(config.DefaultConfigDir(), "logs"), 0o755); err != nil {
			return "", err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func printServiceHints(goos, path string) {
	if goos == "darwin" {
		fmt.Printf("To start: launchctl load %s\n", path)
		fmt.Printf("To stop:  launchctl unload %s\n", path)
		return
	}
	fmt.Printf("To start:  systemctl --user start pingcrew\n")
	fmt.Printf("To enable: systemctl --user enable pingcrew\n")
	fmt.Printf("To stop:   systemctl --user stop pingcrew\n")
}

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{LABEL}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{EXEC}}</string>
        <string>agent</string>
        <string>--headless</string>
        <string>--config</string>
        <string>{{CONFIG}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{LOG}}</string>
    <key>StandardErrorPath</key>
    <string>{{ERR_LOG}}</string>
</dict>
</plist>`

const systemdTemplate = `[Unit]
Description=pingcrew reachability agent
After=network.target

[Service]
Type=simple
ExecStart={{EXEC}} agent --headless --config {{CONFIG}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`
