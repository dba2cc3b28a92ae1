// Package bundle packs a conversion code tree into the byte blob carried by
// the code-delivery protocol and stages received blobs into a scoped
// temporary directory on the sandbox side.
//
// A bundle is a gzip-compressed tar archive of a directory tree. The host
// and the sandbox agree on the tree's internal layout out of band; this
// package only guarantees faithful, traversal-safe transport of the tree.
package bundle

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/klauspost/compress/gzip"
)

// InputEntryName is where a host-supplied input document lands inside the
// bundle tree when packed with PackWithDocument.
const InputEntryName = "data/input"

// Pack archives the directory tree rooted at dir into bundle bytes. The
// resulting blob's exact length is known to the caller, as the protocol's
// length-prefix framing requires. Symlinks are rejected: a bundle must be
// self-contained and must not reference host paths.
func Pack(dir string) ([]byte, error) {
	return pack(dir, "")
}

// PackWithDocument packs the tree at dir and adds the file at docPath as
// the bundle's input document under InputEntryName. The source tree is
// never modified.
func PackWithDocument(dir, docPath string) ([]byte, error) {
	if docPath == "" {
		return nil, errors.New("input document path is required")
	}
	return pack(dir, docPath)
}

func pack(dir, docPath string) ([]byte, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve bundle root %q: %w", dir, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat bundle root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("bundle root %q is not a directory", root)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	walkErr := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("bundle tree contains symlink %q", rel)
		}

		name := filepath.ToSlash(rel)
		header := &tar.Header{
			Name: name,
			Mode: int64(info.Mode().Perm()),
		}
		if entry.IsDir() {
			header.Typeflag = tar.TypeDir
			header.Name += "/"
			return tw.WriteHeader(header)
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("bundle tree contains non-regular file %q", rel)
		}

		header.Typeflag = tar.TypeReg
		header.Size = info.Size()
		if err := tw.WriteHeader(header); err != nil {
			return err
		}

		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()
		_, err = io.Copy(tw, file)
		return err
	})
	if walkErr != nil {
		return nil, fmt.Errorf("pack bundle: %w", walkErr)
	}

	if docPath != "" {
		if err := writeDocumentEntry(tw, docPath); err != nil {
			return nil, fmt.Errorf("pack input document: %w", err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("finalize bundle archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("finalize bundle compression: %w", err)
	}
	return buf.Bytes(), nil
}

func writeDocumentEntry(tw *tar.Writer, docPath string) error {
	info, err := os.Stat(docPath)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("input document %q is not a regular file", docPath)
	}

	if err := tw.WriteHeader(&tar.Header{Name: "data/", Typeflag: tar.TypeDir, Mode: 0o755}); err != nil {
		return err
	}
	if err := tw.WriteHeader(&tar.Header{
		Name:     InputEntryName,
		Typeflag: tar.TypeReg,
		Mode:     0o644,
		Size:     info.Size(),
	}); err != nil {
		return err
	}

	file, err := os.Open(docPath)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = io.Copy(tw, file)
	return err
}

// Staged is a bundle unpacked into a scoped temporary directory. The
// directory's lifetime is bound to one invocation; Close removes it and is
// safe to call on every exit path.
type Staged struct {
	Root string
}

// Close removes the staging directory and everything beneath it.
func (s *Staged) Close() error {
	if s == nil || s.Root == "" {
		return nil
	}
	err := os.RemoveAll(s.Root)
	s.Root = ""
	return err
}

// Stage unpacks bundle bytes into a fresh temporary directory under
// baseDir (or the system default when baseDir is empty). Every archive
// entry is joined to the staging root through a traversal-safe join, so a
// crafted entry name can never escape it. Any error removes the partial
// staging directory before returning.
func Stage(payload []byte, baseDir string) (*Staged, error) {
	root, err := os.MkdirTemp(baseDir, "kiln-bundle-*")
	if err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}

	if err := unpack(payload, root); err != nil {
		os.RemoveAll(root)
		return nil, err
	}
	return &Staged{Root: root}, nil
}

func unpack(payload []byte, root string) error {
	gz, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("open bundle compression: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read bundle archive: %w", err)
		}

		name := strings.TrimPrefix(header.Name, "/")
		if name == "" {
			continue
		}

		target, err := securejoin.SecureJoin(root, name)
		if err != nil {
			return fmt.Errorf("resolve bundle entry %q: %w", header.Name, err)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, fs.FileMode(header.Mode).Perm()|0o700); err != nil {
				return fmt.Errorf("create bundle directory %q: %w", name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create parent for %q: %w", name, err)
			}
			if err := writeEntry(target, tr, fs.FileMode(header.Mode).Perm()); err != nil {
				return fmt.Errorf("write bundle entry %q: %w", name, err)
			}
		default:
			return fmt.Errorf("bundle entry %q has unsupported type %d", name, header.Typeflag)
		}
	}
}

func writeEntry(target string, r io.Reader, mode fs.FileMode) error {
	file, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, r); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
