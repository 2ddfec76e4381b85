// Package archive extracts and repacks IPA archives, adapting the
// teacher's unzip/zipDirectory helpers (spec §4.9's archive driver
// dependency) with a zip-slip guard and symlink preservation, both of
// which real-world IPAs exercise (frameworks commonly symlink their
// versioned binary).
package archive

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Extract unzips src (an .ipa) into dest, which must not already exist
// or must be empty; callers are responsible for clearing a stale working
// directory first (spec §4.9 "delete the working directory if present").
func Extract(src, dest string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return errors.Wrap(err, "open ipa")
	}
	defer r.Close()

	for _, f := range r.File {
		if err := extractOne(dest, f); err != nil {
			return errors.Wrapf(err, "extract %s", f.Name)
		}
	}
	return nil
}

func extractOne(dest string, f *zip.File) error {
	fpath := filepath.Join(dest, f.Name)
	if !isWithinRoot(dest, fpath) {
		return errors.Errorf("entry %q escapes archive root", f.Name)
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(fpath, 0o755)
	}

	if err := os.MkdirAll(filepath.Dir(fpath), 0o755); err != nil {
		return err
	}

	if f.Mode()&os.ModeSymlink != 0 {
		return extractSymlink(fpath, f)
	}

	outFile, err := os.OpenFile(fpath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return err
	}
	defer outFile.Close()

	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	_, err = io.Copy(outFile, rc)
	return err
}

func extractSymlink(fpath string, f *zip.File) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	target, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	_ = os.Remove(fpath)
	return os.Symlink(string(target), fpath)
}

func isWithinRoot(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Compress zips the contents of source (a directory, typically the
// working directory's Payload/ parent) into target, preserving directory
// structure and using Deflate for file entries.
func Compress(source, target string) error {
	zipfile, err := os.Create(target)
	if err != nil {
		return err
	}
	defer zipfile.Close()

	w := zip.NewWriter(zipfile)
	defer w.Close()

	return filepath.Walk(source, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == source {
			return nil
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(relPath)

		if info.IsDir() {
			header.Name += "/"
			_, err := w.CreateHeader(header)
			return err
		}

		if info.Mode()&os.ModeSymlink != 0 {
			header.Method = zip.Store
			writer, err := w.CreateHeader(header)
			if err != nil {
				return err
			}
			linkTarget, err := os.Readlink(path)
			if err != nil {
				return err
			}
			_, err = writer.Write([]byte(linkTarget))
			return err
		}

		header.Method = zip.Deflate
		writer, err := w.CreateHeader(header)
		if err != nil {
			return err
		}

		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()
		_, err = io.Copy(writer, file)
		return err
	})
}

// CopyFile copies a single file, preserving its mode bits.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// CopyDir recursively copies a directory tree, used when the input is a
// loose .app rather than a packaged .ipa.
func CopyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		targetPath := filepath.Join(dst, relPath)

		if info.IsDir() {
			return os.MkdirAll(targetPath, info.Mode())
		}
		return CopyFile(path, targetPath)
	})
}
