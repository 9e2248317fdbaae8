package sync

import (
	"crypto/sha512"
	"encoding/base64"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/sidkik/linksync/pkg/errors"
)

type filesystem interface {
	afero.Fs
	afero.Symlinker
}

// Mocked out for unit testing.
var fs filesystem = afero.OsFs{}

// FileAttributes contains some metadata used to compare whether two entries
// are equal.
type FileAttributes struct {
	// ContentsHash is the sha512 hash of the contents of a regular file.
	ContentsHash string

	// Mode is the file mode. Symlinks only carry os.ModeSymlink.
	Mode os.FileMode

	// ModTime is the time of the last modification of a regular file.
	ModTime time.Time

	// LinkTarget is the unresolved target of a symlink.
	LinkTarget string
}

// Equal returns whether two entries are equal (i.e. whether a copy is
// necessary).
// Directory permissions aren't compared since they're subject to the umask
// when created.
func (f FileAttributes) Equal(other FileAttributes) bool {
	if f.Mode.Type() != other.Mode.Type() {
		return false
	}

	switch {
	case f.Mode&os.ModeSymlink != 0:
		return f.LinkTarget == other.LinkTarget
	case f.Mode.IsRegular():
		return f.ContentsHash == other.ContentsHash &&
			f.Mode == other.Mode &&
			f.ModTime.Equal(other.ModTime)
	}
	return true
}

// getAttributes returns the attributes of the entry at `path` without
// following symlinks.
func getAttributes(path string, fi os.FileInfo) (FileAttributes, error) {
	switch {
	case fi.Mode()&os.ModeSymlink != 0:
		target, err := fs.ReadlinkIfPossible(path)
		if err != nil {
			return FileAttributes{}, errors.WithContext(err, "read link")
		}
		return FileAttributes{Mode: os.ModeSymlink, LinkTarget: target}, nil
	case fi.Mode().IsRegular():
		contentsHash, err := HashFile(path)
		if err != nil {
			return FileAttributes{}, err
		}
		return FileAttributes{
			ContentsHash: contentsHash,
			Mode:         fi.Mode(),
			ModTime:      fi.ModTime(),
		}, nil
	}
	return FileAttributes{Mode: fi.Mode()}, nil
}

// HashFile returns the sha512 hash of the file at the given path.
func HashFile(path string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", errors.WithContext(err, "open")
	}
	defer f.Close()

	hasher := sha512.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", errors.WithContext(err, "read")
	}

	return base64.StdEncoding.EncodeToString(hasher.Sum(nil)), nil
}

func lstat(path string) (os.FileInfo, error) {
	fi, _, err := fs.LstatIfPossible(path)
	return fi, err
}

func isDir(path string) bool {
	fi, err := fs.Stat(path)
	return err == nil && fi.IsDir()
}

// removePath removes `path` and anything beneath it. Symlinks are removed
// rather than followed, and an already absent path isn't an error.
func removePath(path string) error {
	if err := fs.RemoveAll(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// linkRelative points a symlink at `link` to `target` using a relative path.
// Whatever previously occupied `link` is replaced, unless it's already the
// desired symlink.
func linkRelative(target, link string) error {
	rel, err := filepath.Rel(filepath.Dir(link), target)
	if err != nil {
		return errors.WithContext(err, "relative path")
	}

	if curr, err := fs.ReadlinkIfPossible(link); err == nil && curr == rel {
		return nil
	}

	if err := removePath(link); err != nil {
		return errors.WithContext(err, "remove old entry")
	}

	if err := fs.MkdirAll(filepath.Dir(link), 0755); err != nil {
		return errors.WithContext(err, "make parent")
	}

	if err := fs.SymlinkIfPossible(rel, link); err != nil {
		return errors.WithContext(err, "symlink")
	}
	return nil
}

// copyEntry copies the entry at `src` to `dst`. Directories are created
// rather than copied recursively, and symlinks are recreated verbatim.
func copyEntry(src, dst string, srcInfo os.FileInfo) error {
	dstInfo, err := lstat(dst)
	if err != nil && !os.IsNotExist(err) {
		return errors.WithContext(err, "stat destination")
	}
	dstExists := err == nil

	switch {
	case srcInfo.IsDir():
		// Links into the source's dependencies are left alone.
		if dstExists && !dstInfo.IsDir() && !isDir(dst) {
			if err := removePath(dst); err != nil {
				return errors.WithContext(err, "remove old entry")
			}
		}
		return fs.MkdirAll(dst, srcInfo.Mode().Perm())
	case srcInfo.Mode()&os.ModeSymlink != 0:
		target, err := fs.ReadlinkIfPossible(src)
		if err != nil {
			return errors.WithContext(err, "read link")
		}

		if dstExists {
			if curr, err := fs.ReadlinkIfPossible(dst); err == nil && curr == target {
				return nil
			}
			if err := removePath(dst); err != nil {
				return errors.WithContext(err, "remove old entry")
			}
		}

		if err := fs.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return errors.WithContext(err, "make parent")
		}
		return fs.SymlinkIfPossible(target, dst)
	case srcInfo.Mode().IsRegular():
		if dstExists && !dstInfo.Mode().IsRegular() {
			// Never write through a symlink, since it may lead back into the
			// source tree.
			if err := removePath(dst); err != nil {
				return errors.WithContext(err, "remove old entry")
			}
		}
		return copyFile(src, dst)
	}
	return errors.New("unsupported file type %s", srcInfo.Mode().Type())
}

// copyFile copies the regular file at `src` to `dst`, preserving its mode and
// modification time. It's a no-op if `dst` already has the same contents, or
// if `dst` resolves to `src` itself, which happens when a parent of `dst` is a
// symlink into the source tree.
func copyFile(src, dst string) error {
	dstParent := filepath.Dir(dst)
	dstParentExists, err := afero.DirExists(fs, dstParent)
	if err != nil {
		return errors.WithContext(err, "check if parent exists")
	}

	if !dstParentExists {
		if err := fs.MkdirAll(dstParent, 0755); err != nil {
			return errors.WithContext(err, "make parent")
		}
	}

	srcFile, err := fs.Open(src)
	if err != nil {
		return errors.WithContext(err, "open source")
	}
	defer srcFile.Close()

	fileInfo, err := srcFile.Stat()
	if err != nil {
		return errors.WithContext(err, "stat")
	}

	if dstInfo, err := fs.Stat(dst); err == nil {
		if os.SameFile(fileInfo, dstInfo) {
			return nil
		}

		srcAttrs, srcErr := getAttributes(src, fileInfo)
		dstAttrs, dstErr := getAttributes(dst, dstInfo)
		if srcErr == nil && dstErr == nil && srcAttrs.Equal(dstAttrs) {
			return nil
		}
	}

	dstFile, err := fs.Create(dst)
	if err != nil {
		return errors.WithContext(err, "open destination")
	}
	defer dstFile.Close()

	if err := fs.Chmod(dst, fileInfo.Mode()); err != nil {
		return errors.WithContext(err, "set file mode")
	}

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		return errors.WithContext(err, "copy")
	}

	// Change the modification time as the last step so that it doesn't get
	// reset by other file operations.
	if err := fs.Chtimes(dst, time.Now(), fileInfo.ModTime()); err != nil {
		return errors.WithContext(err, "set file modtime")
	}
	return nil
}

// hasSegment returns whether any element of the relative path `rel` is
// `segment`.
func hasSegment(rel, segment string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if part == segment {
			return true
		}
	}
	return false
}
