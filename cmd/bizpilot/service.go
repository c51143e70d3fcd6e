package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
)

const launchdLabel = "com.bizpilot.serve"

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Install or remove 'bizpilot serve' as a user service (launchd/systemd)",
	}

	var withTelegram bool
	install := &cobra.Command{
		Use:   "install",
		Short: "Write the service file",
		RunE: func(cmd *cobra.Command, args []string) error {
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			serveArgs := []string{"serve", "--config", resolveConfigPath()}
			if withTelegram {
				serveArgs = append(serveArgs, "--telegram")
			}
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}

			switch runtime.GOOS {
			case "darwin":
				path := filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist")
				logDir := filepath.Join(home, ".bizpilot", "logs")
				if err := os.MkdirAll(logDir, 0o755); err != nil {
					return err
				}
				if err := writeServiceFile(path, launchdPlist(execPath, serveArgs, logDir)); err != nil {
					return err
				}
				fmt.Printf("Service installed: %s\n", path)
				fmt.Printf("To start: launchctl load %s\n", path)
				fmt.Printf("To stop:  launchctl unload %s\n", path)
			case "linux":
				path := filepath.Join(home, ".config", "systemd", "user", "bizpilot.service")
				if err := writeServiceFile(path, systemdUnit(execPath, serveArgs)); err != nil {
					return err
				}
				fmt.Printf("Service installed: %s\n", path)
				fmt.Println("To start:  systemctl --user start bizpilot")
				fmt.Println("To enable: systemctl --user enable bizpilot")
			default:
				return fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", runtime.GOOS)
			}
			return nil
		},
	}
	install.Flags().BoolVar(&withTelegram, "telegram", false, "also run the Telegram bot")
	cmd.AddCommand(install)

	cmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the service file",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			var path string
			switch runtime.GOOS {
			case "darwin":
				path = filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist")
			case "linux":
				path = filepath.Join(home, ".config", "systemd", "user", "bizpilot.service")
			default:
				return fmt.Errorf("unsupported OS: %s", runtime.GOOS)
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove service file: %w", err)
			}
			fmt.Printf("Service removed: %s\n", path)
			return nil
		},
	})
	return cmd
}

func writeServiceFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func launchdPlist(execPath string, args []string, logDir string) string {
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>` + launchdLabel + `</string>
    <key>ProgramArguments</key>
    <array>
        <string>` + execPath + `</string>
`)
	for _, a := range args {
		sb.WriteString("        <string>" + a + "</string>\n")
	}
	sb.WriteString(`    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>` + filepath.Join(logDir, "bizpilot.log") + `</string>
    <key>StandardErrorPath</key>
    <string>` + filepath.Join(logDir, "bizpilot-error.log") + `</string>
</dict>
</plist>
`)
	return sb.String()
}

func systemdUnit(execPath string, args []string) string {
	return `[Unit]
Description=BizPilot API server
After=network.target

[Service]
Type=simple
ExecStart=` + execPath + " " + strings.Join(args, " ") + `
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`
}
