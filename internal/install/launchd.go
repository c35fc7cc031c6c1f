// Package install manages the single supported service-registration path:
// a launchd LaunchDaemon plist for taviblockd, since the daemon runs
// privileged and needs to survive reboots without a user session.
package install

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"
)

const plistLabel = "com.taviblock.taviblockd"

const launchDaemonTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>

    <key>ProgramArguments</key>
    <array>
        <string>{{.ExecutablePath}}</string>
        <string>-config</string>
        <string>{{.ConfigPath}}</string>
    </array>

    <key>RunAtLoad</key>
    <true/>

    <key>KeepAlive</key>
    <true/>

    <key>StandardOutPath</key>
    <string>{{.LogPath}}</string>

    <key>StandardErrorPath</key>
    <string>{{.ErrorLogPath}}</string>

    <key>ThrottleInterval</key>
    <integer>10</integer>
</dict>
</plist>`

type plistConfig struct {
	Label          string
	ExecutablePath string
	ConfigPath     string
	LogPath        string
	ErrorLogPath   string
}

// LaunchDaemon manages the /Library/LaunchDaemons plist that keeps
// taviblockd running as root across reboots.
type LaunchDaemon struct {
	plistPath string
}

// New constructs a LaunchDaemon manager for the default system plist path.
func New() *LaunchDaemon {
	return &LaunchDaemon{plistPath: filepath.Join("/Library/LaunchDaemons", plistLabel+".plist")}
}

func (d *LaunchDaemon) render(execPath, configPath string) ([]byte, error) {
	tmpl, err := template.New("plist").Parse(launchDaemonTemplate)
	if err != nil {
		return nil, fmt.Errorf("install: parsing plist template: %w", err)
	}
	cfg := plistConfig{
		Label:          plistLabel,
		ExecutablePath: execPath,
		ConfigPath:     configPath,
		LogPath:        "/var/log/taviblockd.log",
		ErrorLogPath:   "/var/log/taviblockd.error.log",
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, cfg); err != nil {
		return nil, fmt.Errorf("install: rendering plist: %w", err)
	}
	return buf.Bytes(), nil
}

// Install writes the plist for execPath/configPath and loads it.
func (d *LaunchDaemon) Install(execPath, configPath string) error {
	content, err := d.render(execPath, configPath)
	if err != nil {
		return err
	}
	if err := os.WriteFile(d.plistPath, content, 0644); err != nil {
		return fmt.Errorf("install: writing plist: %w", err)
	}
	return exec.Command("launchctl", "load", d.plistPath).Run()
}

// Uninstall unloads and removes the plist.
func (d *LaunchDaemon) Uninstall() error {
	_ = exec.Command("launchctl", "unload", d.plistPath).Run()
	if err := os.Remove(d.plistPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("install: removing plist: %w", err)
	}
	return nil
}

// IsInstalled reports whether the plist exists on disk.
func (d *LaunchDaemon) IsInstalled() bool {
	_, err := os.Stat(d.plistPath)
	return err == nil
}

// PlistPath returns the path of the managed plist.
func (d *LaunchDaemon) PlistPath() string {
	return d.plistPath
}
