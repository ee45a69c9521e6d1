// Package archive packs release folders into the deployable zip and
// expands packages on the target host.
package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathTraversal is returned when an archive entry would escape the
// extraction root.
var ErrPathTraversal = errors.New("archive: path traversal detected")

// Pack compresses every file under dir into a zip at zipPath and
// reports the file count and total uncompressed size. A directory with
// no files yields count zero and no archive.
func Pack(dir, zipPath string) (count int, total int64, err error) {
	var files []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("scan %s: %w", dir, err)
	}
	if len(files) == 0 {
		return 0, 0, nil
	}

	out, err := os.Create(zipPath)
	if err != nil {
		return 0, 0, fmt.Errorf("create archive: %w", err)
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	w := zip.NewWriter(out)
	for _, path := range files {
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return count, total, err
		}
		n, err := addFile(w, path, filepath.ToSlash(rel))
		if err != nil {
			return count, total, fmt.Errorf("compress %s: %w", rel, err)
		}
		count++
		total += n
	}
	if err := w.Close(); err != nil {
		return count, total, fmt.Errorf("finalize archive: %w", err)
	}
	return count, total, nil
}

func addFile(w *zip.Writer, path, name string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	entry, err := w.Create(name)
	if err != nil {
		return 0, err
	}
	return io.Copy(entry, f)
}

// Unpack expands the zip at zipPath into dest, rejecting entries that
// would escape dest.
func Unpack(zipPath, dest string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer r.Close()

	destRoot := filepath.Clean(dest)
	for _, f := range r.File {
		target := filepath.Join(destRoot, filepath.FromSlash(f.Name))
		if target != destRoot && !strings.HasPrefix(target, destRoot+string(os.PathSeparator)) {
			return fmt.Errorf("%w: %s", ErrPathTraversal, f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := extractFile(f, target); err != nil {
			return fmt.Errorf("extract %s: %w", f.Name, err)
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode().Perm()|0o200)
	if err != nil {
		return err
	}
	defer dst.Close()
	_, err = io.Copy(dst, src)
	return err
}
