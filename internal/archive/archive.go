// Package archive packs a finished run directory into a single tar.zst file.
package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"

	"auditpipe/internal/safeio"
)

// Create writes every regular file under runDir into output and returns the
// archived paths, slash separated and relative to runDir.
func Create(runDir, output string) ([]string, error) {
	info, err := os.Stat(runDir)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("archive: %s is not a directory", runDir)
	}

	files, err := collect(runDir, output)
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(output); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
	}

	file, err := os.Create(output)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	defer file.Close()

	encoder, err := zstd.NewWriter(file)
	if err != nil {
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	tw := tar.NewWriter(encoder)

	for _, rel := range files {
		if err := addFile(tw, runDir, rel); err != nil {
			_ = tw.Close()
			_ = encoder.Close()
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		_ = encoder.Close()
		return nil, fmt.Errorf("close tar: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("close zstd: %w", err)
	}
	return files, file.Close()
}

func collect(runDir, output string) ([]string, error) {
	outAbs, _ := filepath.Abs(output)
	var files []string
	err := filepath.WalkDir(runDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || safeio.IsTempName(d.Name()) {
			return nil
		}
		if abs, _ := filepath.Abs(path); abs == outAbs {
			return nil
		}
		rel, err := filepath.Rel(runDir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive: walk %s: %w", runDir, err)
	}
	sort.Strings(files)
	return files, nil
}

func addFile(tw *tar.Writer, runDir, rel string) error {
	full := filepath.Join(runDir, filepath.FromSlash(rel))
	info, err := os.Stat(full)
	if err != nil {
		return fmt.Errorf("stat %q: %w", rel, err)
	}
	f, err := os.Open(full)
	if err != nil {
		return fmt.Errorf("open %q: %w", rel, err)
	}
	defer f.Close()

	header := &tar.Header{
		Name:     rel,
		Mode:     int64(info.Mode().Perm()),
		Size:     info.Size(),
		ModTime:  info.ModTime(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write header %q: %w", rel, err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("write %q: %w", rel, err)
	}
	return nil
}

// List returns the file names stored in a tar.zst archive, in archive order.
func List(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	defer f.Close()

	decoder, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	var names []string
	tr := tar.NewReader(decoder)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return names, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read tar: %w", err)
		}
		names = append(names, hdr.Name)
	}
}
