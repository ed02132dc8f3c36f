package files

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hostbridge/hostbridge/backend/internal/events"
	"github.com/hostbridge/hostbridge/backend/internal/remote"
)

// progressInterval throttles transfer-progress events.
const progressInterval = 200 * time.Millisecond

// copyChunkSize is the buffer for streamed transfers.
const copyChunkSize = 32 * 1024

// Upload kinds accepted by UploadStart.
const (
	KindFile   = "file"
	KindFolder = "folder"
)

// uploadTask tracks one in-flight upload through the pipeline. The cancel
// closure is stage-appropriate: it is replaced as the pipeline advances.
type uploadTask struct {
	id           string
	connectionID string

	canceled atomic.Bool

	mu         sync.Mutex
	cancelFn   func()
	localTemp  string
	remoteTemp string
}

func (t *uploadTask) setCancel(fn func()) {
	t.mu.Lock()
	t.cancelFn = fn
	t.mu.Unlock()
}

// cancel requests cooperative cancellation. Idempotent: the second call is
// a no-op. The stage-specific closure runs at most once and never panics
// its caller out.
func (t *uploadTask) cancel() {
	if t.canceled.Swap(true) {
		return
	}
	t.mu.Lock()
	fn := t.cancelFn
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (t *uploadTask) isCanceled() bool { return t.canceled.Load() }

// progressEmitter publishes throttled TransferProgress events.
type progressEmitter struct {
	bus    *events.Bus
	taskID string
	path   string
	total  int64
	last   time.Time
}

func (p *progressEmitter) emit(sent int64) {
	now := time.Now()
	if sent < p.total && now.Sub(p.last) < progressInterval {
		return
	}
	p.last = now
	percent := float64(100)
	if p.total > 0 {
		percent = float64(sent) / float64(p.total) * 100
	}
	p.bus.Publish(events.TransferProgress{
		TaskID:  p.taskID,
		Path:    p.path,
		Sent:    sent,
		Total:   p.total,
		Percent: percent,
	})
}

// copyStream pumps src into dst in fixed-size chunks, reporting progress
// and polling for cancellation between chunks.
func copyStream(dst io.Writer, src io.Reader, emit func(sent int64), canceled func() bool) (int64, error) {
	buf := make([]byte, copyChunkSize)
	var sent int64
	for {
		if canceled != nil && canceled() {
			return sent, errCanceled
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			wn, writeErr := dst.Write(buf[:n])
			sent += int64(wn)
			if writeErr != nil {
				return sent, writeErr
			}
			if emit != nil {
				emit(sent)
			}
		}
		if readErr == io.EOF {
			return sent, nil
		}
		if readErr != nil {
			return sent, readErr
		}
	}
}

// Download streams a remote file to a local path, publishing throttled
// progress events.
func (m *Manager) Download(ctx context.Context, connectionID, remotePath, localPath string) error {
	return m.WithSession(ctx, connectionID, func(sess *FileSession) error {
		p, err := m.resolvePath(sess, remotePath)
		if err != nil {
			return err
		}
		fi, err := sess.client.Stat(p)
		if err != nil {
			return fmt.Errorf("files: stat %q: %w", p, err)
		}
		src, err := sess.client.Open(p)
		if err != nil {
			return fmt.Errorf("files: open %q: %w", p, err)
		}
		defer src.Close()

		dst, err := os.Create(localPath)
		if err != nil {
			return fmt.Errorf("files: create %q: %w", localPath, err)
		}

		emitter := &progressEmitter{bus: m.bus, taskID: uuid.NewString(), path: p, total: fi.Size()}
		if _, err := copyStream(dst, src, emitter.emit, nil); err != nil {
			_ = dst.Close()
			_ = os.Remove(localPath)
			return fmt.Errorf("files: download %q: %w", p, err)
		}
		return dst.Close()
	})
}

// UploadStart launches an upload of localPath into remoteDir and returns a
// task id immediately; the pipeline runs in the background and reports
// through stage events. kind selects the file or folder pipeline; empty
// autodetects from the local path.
func (m *Manager) UploadStart(connectionID, remoteDir, localPath, kind string) (string, error) {
	fi, err := os.Stat(localPath)
	if err != nil {
		return "", fmt.Errorf("files: stat %q: %w", localPath, err)
	}
	if kind == "" {
		kind = KindFile
		if fi.IsDir() {
			kind = KindFolder
		}
	}
	if kind == KindFolder && !fi.IsDir() {
		return "", fmt.Errorf("files: %q is not a directory", localPath)
	}

	task := &uploadTask{id: uuid.NewString(), connectionID: connectionID}
	m.tasksMu.Lock()
	m.tasks[task.id] = task
	m.tasksMu.Unlock()

	go func() {
		defer m.removeTask(task.id)
		var err error
		if kind == KindFolder {
			err = m.runFolderUpload(task, remoteDir, localPath)
		} else {
			err = m.runFileUpload(task, remoteDir, localPath, fi.Size())
		}
		switch {
		case task.isCanceled():
			m.bus.Publish(events.UploadStage{TaskID: task.id, Stage: events.StageCanceled})
		case err != nil:
			m.log.Warn().Err(err).Str("task", task.id).Msg("upload failed")
			m.bus.Publish(events.UploadStage{TaskID: task.id, Stage: events.StageError, Detail: err.Error()})
		default:
			m.bus.Publish(events.UploadStage{TaskID: task.id, Stage: events.StageDone})
		}
	}()
	return task.id, nil
}

// CancelUpload cancels the task if it is still running. Unknown or already
// finished ids are a no-op.
func (m *Manager) CancelUpload(taskID string) {
	m.tasksMu.Lock()
	task := m.tasks[taskID]
	m.tasksMu.Unlock()
	if task != nil {
		task.cancel()
	}
}

func (m *Manager) removeTask(taskID string) {
	m.tasksMu.Lock()
	delete(m.tasks, taskID)
	m.tasksMu.Unlock()
}

// runFileUpload streams one local file to remoteDir.
func (m *Manager) runFileUpload(task *uploadTask, remoteDir, localPath string, size int64) error {
	return m.WithSession(context.Background(), task.connectionID, func(sess *FileSession) error {
		dir, err := m.resolvePath(sess, remoteDir)
		if err != nil {
			return err
		}
		if err := mkdirAll(sess.client, dir); err != nil {
			return err
		}
		target := path.Join(dir, filepath.Base(localPath))
		m.bus.Publish(events.UploadStage{TaskID: task.id, Stage: events.StageUpload, Detail: target})
		if err := m.streamUpload(task, sess, localPath, target, size); err != nil {
			if task.isCanceled() {
				return nil
			}
			return err
		}
		return nil
	})
}

// streamUpload copies localPath to target over SFTP with a stage-scoped
// cancel closure that destroys both streams and unlinks the partial remote
// file.
func (m *Manager) streamUpload(task *uploadTask, sess *FileSession, localPath, target string, size int64) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("files: open %q: %w", localPath, err)
	}
	defer src.Close()

	dst, err := sess.client.Create(target)
	if err != nil {
		return fmt.Errorf("files: create %q: %w", target, err)
	}

	task.setCancel(func() {
		_ = src.Close()
		_ = dst.Close()
		_ = sess.client.Remove(target)
	})
	defer task.setCancel(nil)

	emitter := &progressEmitter{bus: m.bus, taskID: task.id, path: target, total: size}
	if _, err := copyStream(dst, src, emitter.emit, task.isCanceled); err != nil {
		_ = dst.Close()
		if !task.isCanceled() {
			// Cleanup of the partial file must not mask the stream error.
			_ = sess.client.Remove(target)
		}
		return fmt.Errorf("files: upload %q: %w", target, err)
	}
	return dst.Close()
}

// runFolderUpload is the multi-stage pipeline: compress the local folder,
// stream the archive to a remote temp path, decompress remotely, clean up
// both temp artifacts. Cancellation is checked between stages; a set flag
// stops the pipeline from advancing but still triggers cleanup.
func (m *Manager) runFolderUpload(task *uploadTask, remoteDir, localPath string) error {
	// Stage: compress. Cancel during this stage is an acknowledgment only;
	// the walk polls the flag and aborts on its own.
	m.bus.Publish(events.UploadStage{TaskID: task.id, Stage: events.StageCompress})
	task.setCancel(func() {})

	localTemp := filepath.Join(m.tempDir, "hostbridge-upload-"+task.id+".zip")
	task.mu.Lock()
	task.localTemp = localTemp
	task.mu.Unlock()

	err := zipDirectory(localPath, localTemp, func(done, total int) {
		m.bus.Publish(events.CompressProgress{TaskID: task.id, Entries: done, Total: total})
	}, task.isCanceled)
	if err != nil {
		if err == errCanceled {
			return nil
		}
		return err
	}
	defer func() { _ = os.Remove(localTemp) }()

	if task.isCanceled() {
		return nil
	}

	return m.WithSession(context.Background(), task.connectionID, func(sess *FileSession) error {
		dir, err := m.resolvePath(sess, remoteDir)
		if err != nil {
			return err
		}
		if err := mkdirAll(sess.client, dir); err != nil {
			return err
		}
		tempDir := path.Join(dir, ".hostbridge-tmp")
		if err := mkdirAll(sess.client, tempDir); err != nil {
			return err
		}
		remoteTemp := path.Join(tempDir, task.id+".zip")
		task.mu.Lock()
		task.remoteTemp = remoteTemp
		task.mu.Unlock()

		// Stage: upload the archive.
		m.bus.Publish(events.UploadStage{TaskID: task.id, Stage: events.StageUpload, Detail: remoteTemp})
		fi, err := os.Stat(localTemp)
		if err != nil {
			return fmt.Errorf("files: stat archive: %w", err)
		}
		if err := m.streamUpload(task, sess, localTemp, remoteTemp, fi.Size()); err != nil {
			return err
		}
		if task.isCanceled() {
			m.cleanupRemoteTemp(sess, remoteTemp)
			return nil
		}

		// Stage: remote decompression. Verify the tool first so the user
		// gets an actionable message instead of a raw shell failure.
		m.bus.Publish(events.UploadStage{TaskID: task.id, Stage: events.StageRemoteUnzip})
		if err := m.requireRemoteTool(sess, "unzip"); err != nil {
			m.cleanupRemoteTemp(sess, remoteTemp)
			return err
		}
		unzip := "unzip -o " + remote.QuoteArg(remoteTemp) + " -d " + remote.QuoteArg(dir)
		res, err := m.runCommand(sess, unzip, remote.RemoteUnzipTimeout)
		if err != nil {
			m.cleanupRemoteTemp(sess, remoteTemp)
			return err
		}
		if res.ExitCode != 0 {
			m.cleanupRemoteTemp(sess, remoteTemp)
			return fmt.Errorf("files: remote unzip failed: %s", strings.TrimSpace(res.Stderr))
		}
		if task.isCanceled() {
			m.cleanupRemoteTemp(sess, remoteTemp)
			return nil
		}

		// Stage: cleanup, best-effort on both sides.
		m.bus.Publish(events.UploadStage{TaskID: task.id, Stage: events.StageCleanup})
		m.cleanupRemoteTemp(sess, remoteTemp)
		return nil
	})
}

func (m *Manager) cleanupRemoteTemp(sess *FileSession, remoteTemp string) {
	if err := sess.client.Remove(remoteTemp); err != nil {
		m.log.Debug().Err(err).Str("path", remoteTemp).Msg("remote temp cleanup failed")
	}
}

// requireRemoteTool fails with an install hint when the remote host lacks a
// required binary.
func (m *Manager) requireRemoteTool(sess *FileSession, tool string) error {
	res, err := m.runCommand(sess, "command -v "+remote.QuoteArg(tool), remote.ExecTimeout)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 || strings.TrimSpace(res.Stdout) == "" {
		return fmt.Errorf("files: %q not found on remote host; install it first (e.g. apt-get install %s or yum install %s)", tool, tool, tool)
	}
	return nil
}

// ZipDir compresses a remote directory on the remote host and returns the
// archive path next to it.
func (m *Manager) ZipDir(ctx context.Context, connectionID, dirPath string) (string, error) {
	var output string
	err := m.WithSession(ctx, connectionID, func(sess *FileSession) error {
		p, err := m.resolvePath(sess, dirPath)
		if err != nil {
			return err
		}
		if err := m.requireRemoteTool(sess, "zip"); err != nil {
			return err
		}
		parent := path.Dir(p)
		base := path.Base(p)
		output = p + ".zip"

		cmd := "cd " + remote.QuoteArg(parent) + " && zip -r " + remote.QuoteArg(output) + " " + remote.QuoteArg(base)
		res, err := m.runCommand(sess, cmd, remote.RemoteUnzipTimeout)
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("files: remote zip failed: %s", strings.TrimSpace(res.Stderr))
		}
		return nil
	})
	return output, err
}
