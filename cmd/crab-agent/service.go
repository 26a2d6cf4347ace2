// cmd/crab-agent/service.go
package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
)

const (
	serviceName     = "crab-agent"
	systemdUnitPath = "/etc/systemd/system/crab-agent.service"
)

const systemdUnitTemplate = `[Unit]
Description=crab-verify build agent
Documentation=https://github.com/hochfrequenz/crab-verify
After=network-online.target docker.service
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.ExecStart}}
Restart=always
RestartSec=10
{{if .User}}User={{.User}}
{{end}}{{if .Group}}Group={{.Group}}
{{end}}{{if .Docker}}SupplementaryGroups=docker
{{end}}
NoNewPrivileges=true
ProtectSystem=strict
ProtectHome=read-only
PrivateTmp=true
ReadWritePaths={{.ReposDir}}

LimitNOFILE=65535

StandardOutput=journal
StandardError=journal
SyslogIdentifier=crab-agent

[Install]
WantedBy=multi-user.target
`

type unitConfig struct {
	ExecStart string
	User      string
	Group     string
	ReposDir  string
	Docker    bool
}

var (
	serviceUser     string
	serviceGroup    string
	serviceReposDir string
	serviceNoDocker bool
)

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the crab-agent systemd service",
	}

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install crab-agent as a systemd service",
		Long: `Creates a systemd unit file and enables the crab-agent service.

The service starts on boot, restarts on failure and reads its config
from the standard locations. Requires root privileges.`,
		RunE: runServiceInstall,
	}
	installCmd.Flags().StringVar(&serviceUser, "user", "", "User to run the service as")
	installCmd.Flags().StringVar(&serviceGroup, "group", "", "Group to run the service as")
	installCmd.Flags().StringVar(&serviceReposDir, "repos-dir", "/var/lib/crab-agent/repos", "Checkout directory")
	installCmd.Flags().BoolVar(&serviceNoDocker, "no-docker", false, "Do not add the docker group (local sandbox)")

	uninstallCmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the crab-agent systemd service",
		RunE:  runServiceUninstall,
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show crab-agent service status",
		RunE:  runServiceStatus,
	}

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Show crab-agent service logs",
		RunE:  runServiceLogs,
	}
	logsCmd.Flags().BoolP("follow", "f", false, "Follow log output")
	logsCmd.Flags().IntP("lines", "n", 50, "Number of lines to show")

	serviceCmd.AddCommand(installCmd, uninstallCmd, statusCmd, logsCmd)
	for _, action := range []string{"start", "stop", "restart"} {
		serviceCmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("%s the crab-agent service", strings.ToUpper(action[:1])+action[1:]),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServiceAction(action)
			},
		})
	}
	return serviceCmd
}

func requireLinux() error {
	if runtime.GOOS != "linux" {
		return fmt.Errorf("systemd service management is only supported on Linux")
	}
	return nil
}

func renderUnit(cfg unitConfig) (string, error) {
	tmpl, err := template.New("unit").Parse(systemdUnitTemplate)
	if err != nil {
		return "", fmt.Errorf("parsing unit template: %w", err)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, cfg); err != nil {
		return "", fmt.Errorf("executing unit template: %w", err)
	}
	return b.String(), nil
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	if err := requireLinux(); err != nil {
		return err
	}
	if !isRoot() {
		return fmt.Errorf("root privileges required to install service. Try: sudo %s service install", os.Args[0])
	}

	execPath, err := findAgentBinary()
	if err != nil {
		return err
	}
	execStart := fmt.Sprintf("%s --repos %s", execPath, serviceReposDir)
	if p := findConfig(""); p != "" {
		execStart += " --config " + p
	}

	if err := os.MkdirAll(serviceReposDir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", serviceReposDir, err)
	}
	if serviceUser != "" {
		if err := runCmd("chown", "-R", serviceUser+":"+serviceGroup, serviceReposDir); err != nil {
			fmt.Printf("Warning: could not set ownership on %s: %v\n", serviceReposDir, err)
		}
	}

	unit, err := renderUnit(unitConfig{
		ExecStart: execStart,
		User:      serviceUser,
		Group:     serviceGroup,
		ReposDir:  serviceReposDir,
		Docker:    !serviceNoDocker,
	})
	if err != nil {
		return err
	}
	if err := os.WriteFile(systemdUnitPath, []byte(unit), 0644); err != nil {
		return fmt.Errorf("writing unit file: %w", err)
	}
	fmt.Printf("Created systemd unit: %s\n", systemdUnitPath)

	if err := runCmd("systemctl", "daemon-reload"); err != nil {
		return fmt.Errorf("reloading systemd: %w", err)
	}
	if err := runCmd("systemctl", "enable", serviceName); err != nil {
		return fmt.Errorf("enabling service: %w", err)
	}

	fmt.Printf("\nService installed and enabled.\n")
	fmt.Printf("  1. Ensure config file exists at %s\n", defaultConfigPaths[0])
	fmt.Printf("  2. Start the service: crab-agent service start\n")
	fmt.Printf("  3. View logs: crab-agent service logs -f\n")
	return nil
}

func runServiceUninstall(cmd *cobra.Command, args []string) error {
	if err := requireLinux(); err != nil {
		return err
	}
	if !isRoot() {
		return fmt.Errorf("root privileges required. Try: sudo %s service uninstall", os.Args[0])
	}

	_ = runCmd("systemctl", "stop", serviceName)
	_ = runCmd("systemctl", "disable", serviceName)

	if err := os.Remove(systemdUnitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing unit file: %w", err)
	}
	if err := runCmd("systemctl", "daemon-reload"); err != nil {
		return fmt.Errorf("reloading systemd: %w", err)
	}

	fmt.Printf("Service uninstalled. Config and checkouts were not removed.\n")
	return nil
}

func runServiceAction(action string) error {
	if err := requireLinux(); err != nil {
		return err
	}
	if !serviceInstalled() {
		return fmt.Errorf("service not installed. Run: crab-agent service install")
	}
	if !isRoot() {
		return runCmdInteractive("sudo", "systemctl", action, serviceName)
	}
	if err := runCmd("systemctl", action, serviceName); err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}
	fmt.Printf("Service %s done.\n", action)
	return nil
}

func runServiceStatus(cmd *cobra.Command, args []string) error {
	if err := requireLinux(); err != nil {
		return err
	}
	if !serviceInstalled() {
		fmt.Printf("Service not installed.\nInstall with: crab-agent service install\n")
		return nil
	}
	return runCmdInteractive("systemctl", "status", serviceName, "--no-pager")
}

func runServiceLogs(cmd *cobra.Command, args []string) error {
	if err := requireLinux(); err != nil {
		return err
	}
	follow, _ := cmd.Flags().GetBool("follow")
	lines, _ := cmd.Flags().GetInt("lines")

	jArgs := []string{"-u", serviceName, "-n", fmt.Sprintf("%d", lines), "--no-pager"}
	if follow {
		jArgs = append(jArgs, "-f")
	}
	return runCmdInteractive("journalctl", jArgs...)
}

func isRoot() bool {
	return os.Geteuid() == 0
}

func serviceInstalled() bool {
	_, err := os.Stat(systemdUnitPath)
	return err == nil
}

func findAgentBinary() (string, error) {
	if execPath, err := os.Executable(); err == nil {
		if resolved, err := filepath.EvalSymlinks(execPath); err == nil {
			return resolved, nil
		}
	}
	if path, err := exec.LookPath("crab-agent"); err == nil {
		return filepath.Abs(path)
	}
	for _, p := range []string{"/usr/local/bin/crab-agent", "/usr/bin/crab-agent"} {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("could not find crab-agent binary. Ensure it's installed in PATH or /usr/local/bin")
}

func runCmd(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func runCmdInteractive(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
