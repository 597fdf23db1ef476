package notify

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// Notifier sends system notifications.
type Notifier struct {
	Enabled bool
	// send replaces the platform notifier in tests.
	send func(title, message string) error
}

// Send sends a system notification.
// On macOS, uses osascript to display notifications.
// On other platforms, this is a no-op.
func (n *Notifier) Send(title, message string) error {
	if n == nil || !n.Enabled {
		return nil
	}
	if n.send != nil {
		return n.send(title, message)
	}

	if runtime.GOOS != "darwin" {
		return nil
	}

	return sendMacOSNotification(title, message)
}

// sendMacOSNotification uses osascript to display a notification.
func sendMacOSNotification(title, message string) error {
	title = strings.ReplaceAll(title, `"`, `\"`)
	message = strings.ReplaceAll(message, `"`, `\"`)

	script := fmt.Sprintf(`display notification "%s" with title "%s"`, message, title)
	cmd := exec.Command("osascript", "-e", script)

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("send notification: %w", err)
	}

	return nil
}

// FormatAwaitingSelection formats the notification for a run that halted after
// compliance.
func FormatAwaitingSelection(runID string, passed, total int) (title, message string) {
	if passed == 0 {
		title = "⚠️ crmflow: no compliant template"
		message = fmt.Sprintf("%s: 0/%d templates passed compliance", runID, total)
		return title, message
	}
	title = "📝 crmflow: templates ready"
	message = fmt.Sprintf("%s: %d/%d templates passed, waiting for selection", runID, passed, total)
	return title, message
}

// FormatExecuted formats the notification for a rendered message.
func FormatExecuted(runID, templateID string, audienceCount int) (title, message string) {
	title = "✅ crmflow: message rendered"
	message = fmt.Sprintf("%s: template %s for %d recipients", runID, templateID, audienceCount)
	return title, message
}

// FormatFailed formats the notification for a failed invocation.
func FormatFailed(runID, stage string) (title, message string) {
	title = "❌ crmflow: run failed"
	message = fmt.Sprintf("%s: failed at %s", runID, stage)
	return title, message
}
