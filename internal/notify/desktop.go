package notify

import (
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
)

// DesktopNotifier shows a notification on the operator's desktop through
// osascript on macOS and notify-send on Linux. Other systems are skipped.
type DesktopNotifier struct {
	enabled bool
	// run executes the notification command
	run func(name string, args ...string) error
}

// NewDesktopNotifier creates a desktop notifier
func NewDesktopNotifier(enabled bool) *DesktopNotifier {
	return &DesktopNotifier{
		enabled: enabled,
		run: func(name string, args ...string) error {
			return exec.Command(name, args...).Run()
		},
	}
}

// Send shows the notification
func (d *DesktopNotifier) Send(n Notification) error {
	if !d.enabled {
		return nil
	}
	name, args, ok := desktopCommand(runtime.GOOS, n)
	if !ok {
		return nil
	}
	if err := d.run(name, args...); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// desktopCommand returns the command that shows n on goos
func desktopCommand(goos string, n Notification) (string, []string, bool) {
	switch goos {
	case "darwin":
		script := "display notification " + strconv.Quote(n.Body()) + " with title " + strconv.Quote(n.Title)
		return "osascript", []string{"-e", script}, true
	case "linux":
		return "notify-send", []string{"--app-name", "crab-verify", "--icon", IconForType(n.Type), n.Title, n.Body()}, true
	}
	return "", nil, false
}

// IconForType returns the freedesktop icon name of a notification type
func IconForType(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "dialog-positive"
	case NotifyWarning:
		return "dialog-warning"
	case NotifyError:
		return "dialog-error"
	}
	return "dialog-information"
}
