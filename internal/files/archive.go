package files

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
)

// errCanceled aborts a local archive run when the owning task is canceled.
var errCanceled = errors.New("files: canceled")

// zipDirectory compresses srcDir into a zip archive at dstPath. onEntry is
// called once per archived entry with (done, total); canceled is polled
// between entries.
func zipDirectory(srcDir, dstPath string, onEntry func(done, total int), canceled func() bool) error {
	total := 0
	err := filepath.WalkDir(srcDir, func(string, iofs.DirEntry, error) error {
		total++
		return nil
	})
	if err != nil {
		return fmt.Errorf("files: walk %q: %w", srcDir, err)
	}

	out, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("files: create archive %q: %w", dstPath, err)
	}
	zw := zip.NewWriter(out)

	done := 0
	err = filepath.WalkDir(srcDir, func(p string, d iofs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if canceled != nil && canceled() {
			return errCanceled
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		done++
		if onEntry != nil {
			onEntry(done, total)
		}
		if rel == "." {
			return nil
		}
		name := filepath.ToSlash(rel)

		if d.IsDir() {
			_, err := zw.Create(name + "/")
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = name
		hdr.Method = zip.Deflate
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if err != nil {
		_ = zw.Close()
		_ = out.Close()
		_ = os.Remove(dstPath)
		if errors.Is(err, errCanceled) {
			return errCanceled
		}
		return fmt.Errorf("files: compress %q: %w", srcDir, err)
	}
	if err := zw.Close(); err != nil {
		_ = out.Close()
		_ = os.Remove(dstPath)
		return fmt.Errorf("files: finalize archive: %w", err)
	}
	return out.Close()
}
