package files

import (
	"context"
	"time"

	"github.com/hostbridge/hostbridge/backend/internal/remote"
)

// Exec runs a non-interactive command on the connection's host over a
// dedicated exec channel. A zero timeout selects the 60 s default; the call
// fails with a timeout error if no completion signal arrives in time.
func (m *Manager) Exec(ctx context.Context, connectionID, command string, timeout time.Duration) (ExecResult, error) {
	if timeout <= 0 {
		timeout = remote.ExecTimeout
	}
	var res ExecResult
	err := m.WithSession(ctx, connectionID, func(sess *FileSession) error {
		var err error
		res, err = m.runCommand(sess, command, timeout)
		return err
	})
	return res, err
}

func (m *Manager) runCommand(sess *FileSession, command string, timeout time.Duration) (ExecResult, error) {
	return remote.WithTimeout(context.Background(), "exec", timeout,
		func(ctx context.Context) (ExecResult, error) {
			return sess.client.RunCommand(ctx, command)
		})
}
