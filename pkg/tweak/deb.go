package tweak

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/blakesmith/ar"
	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

var errNoData = errors.New("no data.tar member")

// extractDeb unpacks the data.tar member of the .deb at path into dest.
func extractDeb(path, dest string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := ar.NewReader(f)
	for {
		hdr, err := r.Next()
		if err == io.EOF {
			return errNoData
		}
		if err != nil {
			return fmt.Errorf("failed to read ar archive: %w", err)
		}
		name := strings.TrimRight(hdr.Name, "/ ")
		if !strings.HasPrefix(name, "data.tar") {
			continue
		}
		dr, err := decompressor(name, r)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", name, err)
		}
		err = extractTar(dr, dest)
		if cerr := dr.Close(); err == nil {
			err = cerr
		}
		return err
	}
}

func decompressor(name string, r io.Reader) (io.ReadCloser, error) {
	switch filepath.Ext(name) {
	case ".tar":
		return io.NopCloser(r), nil
	case ".gz":
		return pgzip.NewReader(r)
	case ".xz":
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(xr), nil
	case ".lzma":
		lr, err := lzma.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(lr), nil
	case ".bz2":
		return bzip2.NewReader(r, nil)
	case ".zst":
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	}
	return nil, fmt.Errorf("unknown compression %q", filepath.Ext(name))
}

func extractTar(r io.Reader, dest string) error {
	root := filepath.Clean(dest) + string(os.PathSeparator)
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read data archive: %w", err)
		}
		target := filepath.Join(dest, hdr.Name)
		if target != filepath.Clean(dest) && !strings.HasPrefix(target, root) {
			return fmt.Errorf("invalid file path: %s", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			if err := writeFile(target, tr, os.FileMode(hdr.Mode).Perm()|0600); err != nil {
				return err
			}
		}
	}
}

func writeFile(path string, r io.Reader, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	fi, err := in.Stat()
	if err != nil {
		return err
	}
	return writeFile(dst, in, fi.Mode().Perm()|0600)
}

// copyDir copies the tree at src to dst, keeping symlinks as links.
func copyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			os.Remove(target)
			return os.Symlink(link, target)
		case info.IsDir():
			return os.MkdirAll(target, 0755)
		default:
			return copyFile(path, target)
		}
	})
}
