// Package schedule runs a scheduled reminder as a subprocess invocation
// of the bub CLI's own run command, the Go port of
// original_source/src/bub/tools/schedule.py's run_scheduled_reminder.
package schedule

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/emliunix/bub/internal/logging"
)

// SubprocessTimeout is the Go counterpart of
// SCHEDULE_SUBPROCESS_TIMEOUT_SECONDS.
const SubprocessTimeout = 300 * time.Second

const telegramSessionPrefix = "telegram:"

// RunReminder executes `bub run --session-id <id> <message>` as a child
// process, prefixing the message with a Telegram-specific notice when
// the session id names a Telegram chat, exactly as the Python tool does.
func RunReminder(ctx context.Context, log *logging.Logger, binary, message, sessionID, workspace string) {
	if log == nil {
		log = logging.Discard()
	}

	if strings.HasPrefix(sessionID, telegramSessionPrefix) {
		chatID := strings.TrimPrefix(sessionID, telegramSessionPrefix)
		message = "[Reminder for Telegram chat " + chatID + ", after done, send a notice to this chat if necessary]\n" + message
	}

	runCtx, cancel := context.WithTimeout(ctx, SubprocessTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, binary, "run", "--session-id", sessionID, message)
	if workspace != "" {
		cmd.Dir = workspace
	}

	log.Info("schedule", "running scheduled reminder session_id=%s message=%s", sessionID, message)

	err := cmd.Run()
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		log.Error("schedule", "scheduled reminder timed out after %s session_id=%s", SubprocessTimeout, sessionID)
	case err != nil:
		log.Error("schedule", "scheduled reminder failed: %v", err)
	default:
		log.Info("schedule", "scheduled reminder succeeded session_id=%s", sessionID)
	}
}
