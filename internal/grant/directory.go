package grant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/moby/sys/atomicwriter"
)

// ErrInvalidFileName is returned when a name would escape the directory.
var ErrInvalidFileName = errors.New("invalid file name")

// FileInfo describes one regular file inside a Directory.
type FileInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// File is an open, seekable file handle obtained from a Directory.
type File interface {
	io.ReadSeekCloser
}

// Directory is a read-write folder capability. Names are plain file names,
// never paths.
type Directory interface {
	// Path identifies the folder so the capability can be re-acquired later.
	Path() string

	// Verify checks that the capability is still usable for reading and writing.
	Verify(ctx context.Context) error

	// ReadFile returns the content of name. A missing file yields an error
	// matching fs.ErrNotExist.
	ReadFile(ctx context.Context, name string) ([]byte, error)

	// WriteFile replaces name with data. Readers never observe a partial file.
	WriteFile(ctx context.Context, name string, data []byte) error

	// Exists reports whether name is present.
	Exists(ctx context.Context, name string) (bool, error)

	// List enumerates the regular files of the folder, sorted by name.
	List(ctx context.Context) ([]FileInfo, error)

	// Open returns a handle for streaming name.
	Open(ctx context.Context, name string) (File, FileInfo, error)
}

// LocalDirectory is a Directory backed by an OS folder.
type LocalDirectory struct {
	root string
}

var _ Directory = (*LocalDirectory)(nil)

// OpenLocalDirectory returns a capability for an existing, writable folder.
func OpenLocalDirectory(path string) (*LocalDirectory, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("folder path is empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve folder path: %w", err)
	}
	d := &LocalDirectory{root: abs}
	if err := d.Verify(context.Background()); err != nil {
		return nil, err
	}
	return d, nil
}

// Path returns the absolute folder path.
func (d *LocalDirectory) Path() string {
	return d.root
}

// Verify checks the folder exists and accepts writes.
func (d *LocalDirectory) Verify(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(d.root)
	if err != nil {
		return fmt.Errorf("stat folder: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", d.root)
	}

	probe, err := os.CreateTemp(d.root, ".talkrecorder-probe-*")
	if err != nil {
		return fmt.Errorf("folder is not writable: %w", err)
	}
	name := probe.Name()
	if err := probe.Close(); err != nil {
		return fmt.Errorf("close probe file: %w", err)
	}
	if err := os.Remove(name); err != nil {
		return fmt.Errorf("remove probe file: %w", err)
	}
	return nil
}

func (d *LocalDirectory) resolve(name string) (string, error) {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return "", fmt.Errorf("%w: %q", ErrInvalidFileName, name)
	}
	return filepath.Join(d.root, name), nil
}

// ReadFile returns the content of name.
func (d *LocalDirectory) ReadFile(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := d.resolve(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// WriteFile atomically replaces name with data.
func (d *LocalDirectory) WriteFile(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := d.resolve(name)
	if err != nil {
		return err
	}
	if err := atomicwriter.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// Exists reports whether name is present.
func (d *LocalDirectory) Exists(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	path, err := d.resolve(name)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", name, err)
	}
	return true, nil
}

// List enumerates the regular files of the folder.
func (d *LocalDirectory) List(ctx context.Context) ([]FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("read folder: %w", err)
	}

	files := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		files = append(files, FileInfo{Name: e.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// Open returns a handle for streaming name.
func (d *LocalDirectory) Open(ctx context.Context, name string) (File, FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, FileInfo{}, err
	}
	path, err := d.resolve(name)
	if err != nil {
		return nil, FileInfo{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, FileInfo{}, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, FileInfo{}, fmt.Errorf("stat %s: %w", name, err)
	}
	if !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, FileInfo{}, fmt.Errorf("%w: %q is not a regular file", ErrInvalidFileName, name)
	}
	return f, FileInfo{Name: name, Size: info.Size(), ModTime: info.ModTime()}, nil
}
