package files

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/hostbridge/hostbridge/backend/internal/remote"
)

// readFileLimit bounds text reads through the editor API.
const readFileLimit = 10 << 20 // 10 MB

// resolvePath expands ~-relative paths against the session's home directory
// (resolved once, then cached) and normalizes the result.
func (m *Manager) resolvePath(sess *FileSession, p string) (string, error) {
	if p == "" || p == "~" || strings.HasPrefix(p, "~/") {
		home, err := m.homeDir(sess)
		if err != nil {
			return "", err
		}
		if p == "" || p == "~" {
			return home, nil
		}
		return path.Join(home, p[2:]), nil
	}
	return path.Clean(p), nil
}

func (m *Manager) homeDir(sess *FileSession) (string, error) {
	sess.mu.Lock()
	cached := sess.homeDir
	sess.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	home, err := remote.WithTimeout(context.Background(), "resolve home dir", remote.HomeDirTimeout,
		func(ctx context.Context) (string, error) {
			return sess.client.Getwd()
		})
	if err != nil {
		return "", fmt.Errorf("files: resolve home dir: %w", err)
	}
	sess.mu.Lock()
	sess.homeDir = home
	sess.mu.Unlock()
	return home, nil
}

// HomeDir returns the remote user's home directory.
func (m *Manager) HomeDir(ctx context.Context, connectionID string) (string, error) {
	var home string
	err := m.WithSession(ctx, connectionID, func(sess *FileSession) error {
		var err error
		home, err = m.homeDir(sess)
		return err
	})
	return home, err
}

// ReadFile reads a remote text file.
func (m *Manager) ReadFile(ctx context.Context, connectionID, filePath string) (string, error) {
	data, err := m.readFile(ctx, connectionID, filePath)
	return string(data), err
}

// ReadFileBase64 reads a remote binary file as a base64 payload.
func (m *Manager) ReadFileBase64(ctx context.Context, connectionID, filePath string) (string, error) {
	data, err := m.readFile(ctx, connectionID, filePath)
	return base64.StdEncoding.EncodeToString(data), err
}

func (m *Manager) readFile(ctx context.Context, connectionID, filePath string) ([]byte, error) {
	var data []byte
	err := m.WithSession(ctx, connectionID, func(sess *FileSession) error {
		p, err := m.resolvePath(sess, filePath)
		if err != nil {
			return err
		}
		f, err := sess.client.Open(p)
		if err != nil {
			return fmt.Errorf("files: open %q: %w", p, err)
		}
		defer f.Close()

		limited := io.LimitReader(f, readFileLimit+1)
		data, err = io.ReadAll(limited)
		if err != nil {
			return fmt.Errorf("files: read %q: %w", p, err)
		}
		if int64(len(data)) > readFileLimit {
			return fmt.Errorf("files: %q exceeds %d bytes read limit", p, int64(readFileLimit))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// WriteFile writes content to a remote file, creating or truncating it.
func (m *Manager) WriteFile(ctx context.Context, connectionID, filePath, content string) error {
	return m.writeFile(ctx, connectionID, filePath, []byte(content))
}

// WriteFileBase64 decodes a base64 payload and writes it remotely.
func (m *Manager) WriteFileBase64(ctx context.Context, connectionID, filePath, payload string) error {
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return fmt.Errorf("files: decode payload: %w", err)
	}
	return m.writeFile(ctx, connectionID, filePath, data)
}

func (m *Manager) writeFile(ctx context.Context, connectionID, filePath string, data []byte) error {
	return m.WithSession(ctx, connectionID, func(sess *FileSession) error {
		p, err := m.resolvePath(sess, filePath)
		if err != nil {
			return err
		}
		f, err := sess.client.Create(p)
		if err != nil {
			return fmt.Errorf("files: create %q: %w", p, err)
		}
		defer f.Close()
		if _, err := f.Write(data); err != nil {
			return fmt.Errorf("files: write %q: %w", p, err)
		}
		return nil
	})
}

// Mkdir creates a remote directory, including missing parents. Each segment
// is stat-checked before creation; an "already exists" class of failure is
// tolerated (another client may have won the race).
func (m *Manager) Mkdir(ctx context.Context, connectionID, dirPath string) error {
	return m.WithSession(ctx, connectionID, func(sess *FileSession) error {
		p, err := m.resolvePath(sess, dirPath)
		if err != nil {
			return err
		}
		return mkdirAll(sess.client, p)
	})
}

func mkdirAll(client Client, dirPath string) error {
	// Tilde paths were expanded during resolution, so anything still
	// relative here has no anchor; rooting it at "/" would create
	// directories in a place the caller never named.
	if !strings.HasPrefix(dirPath, "/") {
		return fmt.Errorf("files: mkdir %q: path must be absolute", dirPath)
	}
	segments := strings.Split(strings.Trim(dirPath, "/"), "/")
	current := ""
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		current += "/" + seg
		fi, err := client.Stat(current)
		if err == nil {
			if !fi.IsDir() {
				return fmt.Errorf("files: %q exists and is not a directory", current)
			}
			continue
		}
		if mkErr := client.Mkdir(current); mkErr != nil {
			// Re-stat: the directory may have been created concurrently.
			if fi, statErr := client.Stat(current); statErr == nil && fi.IsDir() {
				continue
			}
			return fmt.Errorf("files: mkdir %q: %w", current, mkErr)
		}
	}
	return nil
}

// Delete removes a remote file or symlink via SFTP; directories are removed
// recursively through a remote command.
func (m *Manager) Delete(ctx context.Context, connectionID, targetPath string) error {
	return m.WithSession(ctx, connectionID, func(sess *FileSession) error {
		p, err := m.resolvePath(sess, targetPath)
		if err != nil {
			return err
		}
		if p == "/" {
			return fmt.Errorf("files: refusing to delete %q", p)
		}
		fi, err := sess.client.Lstat(p)
		if err != nil {
			return fmt.Errorf("files: stat %q: %w", p, err)
		}
		if fi.IsDir() {
			res, err := m.runCommand(sess, "rm -rf "+remote.QuoteArg(p), remote.ExecTimeout)
			if err != nil {
				return err
			}
			if res.ExitCode != 0 {
				return fmt.Errorf("files: delete %q: %s", p, strings.TrimSpace(res.Stderr))
			}
			return nil
		}
		if err := sess.client.Remove(p); err != nil {
			return fmt.Errorf("files: remove %q: %w", p, err)
		}
		return nil
	})
}

// Move renames a remote file or directory.
func (m *Manager) Move(ctx context.Context, connectionID, from, to string) error {
	return m.WithSession(ctx, connectionID, func(sess *FileSession) error {
		src, err := m.resolvePath(sess, from)
		if err != nil {
			return err
		}
		dst, err := m.resolvePath(sess, to)
		if err != nil {
			return err
		}
		if err := sess.client.Rename(src, dst); err != nil {
			return fmt.Errorf("files: move %q to %q: %w", src, dst, err)
		}
		return nil
	})
}

// Glob matches remote paths against a shell pattern, optionally rooted at
// basePath.
func (m *Manager) Glob(ctx context.Context, connectionID, pattern, basePath string) ([]string, error) {
	var matches []string
	err := m.WithSession(ctx, connectionID, func(sess *FileSession) error {
		if basePath != "" {
			base, err := m.resolvePath(sess, basePath)
			if err != nil {
				return err
			}
			pattern = path.Join(base, pattern)
		}
		var err error
		matches, err = sess.client.Glob(pattern)
		if err != nil {
			return fmt.Errorf("files: glob %q: %w", pattern, err)
		}
		return nil
	})
	return matches, err
}

// GrepMatch is one matching line from a remote grep.
type GrepMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

const grepMaxMatches = 1000

// Grep searches remote file contents with the host's grep, bounded to
// grepMaxMatches results.
func (m *Manager) Grep(ctx context.Context, connectionID, pattern, searchPath, include string) ([]GrepMatch, error) {
	var matches []GrepMatch
	err := m.WithSession(ctx, connectionID, func(sess *FileSession) error {
		p, err := m.resolvePath(sess, searchPath)
		if err != nil {
			return err
		}
		cmd := "grep -rn"
		if include != "" {
			cmd += " --include=" + remote.QuoteArg(include)
		}
		cmd += " -e " + remote.QuoteArg(pattern) + " " + remote.QuoteArg(p) +
			" | head -n " + strconv.Itoa(grepMaxMatches)

		res, err := m.runCommand(sess, cmd, remote.ExecTimeout)
		if err != nil {
			return err
		}
		// grep exits 1 for "no matches"; only >1 is a real failure.
		if res.ExitCode > 1 {
			return fmt.Errorf("files: grep: %s", strings.TrimSpace(res.Stderr))
		}
		matches = parseGrepOutput(res.Stdout)
		return nil
	})
	return matches, err
}

func parseGrepOutput(out string) []GrepMatch {
	var matches []GrepMatch
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			continue
		}
		n, err := strconv.Atoi(parts[1])
		if err != nil {
			continue
		}
		matches = append(matches, GrepMatch{Path: parts[0], Line: n, Text: parts[2]})
	}
	return matches
}
