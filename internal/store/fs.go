package store

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	"github.com/google/renameio"
	"golang.org/x/exp/mmap"
	"golang.org/x/xerrors"
)

// FSDirectory stores index files in a directory on the local filesystem.
type FSDirectory struct {
	root string
	mmap bool
}

// OpenFS opens (creating if necessary) the directory at root. When
// useMmap is set, inputs are memory-mapped instead of read through file
// descriptors.
func OpenFS(root string, useMmap bool) (*FSDirectory, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, xerrors.Errorf("store: open %s: %w", root, err)
	}
	return &FSDirectory{root: root, mmap: useMmap}, nil
}

func (d *FSDirectory) path(name string) string {
	return filepath.Join(d.root, name)
}

// Root returns the directory's path on disk.
func (d *FSDirectory) Root() string { return d.root }

func (d *FSDirectory) Create(name string) error {
	f, err := os.Create(d.path(name))
	if err != nil {
		return err
	}
	return f.Close()
}

func (d *FSDirectory) OpenInput(name string) (Input, error) {
	if d.mmap {
		r, err := mmap.Open(d.path(name))
		if err != nil {
			return nil, err
		}
		return &mmapInput{r: r, refs: new(int32)}, nil
	}
	f, err := os.Open(d.path(name))
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &fileInput{f: f, size: fi.Size(), refs: new(int32)}, nil
}

func (d *FSDirectory) OpenOutput(name string) (Output, error) {
	f, err := os.Create(d.path(name))
	if err != nil {
		return nil, err
	}
	return &fileOutput{f: f, w: bufio.NewWriterSize(f, 1<<16)}, nil
}

func (d *FSDirectory) Delete(name string) error {
	return os.Remove(d.path(name))
}

func (d *FSDirectory) Rename(oldName, newName string) error {
	return os.Rename(d.path(oldName), d.path(newName))
}

func (d *FSDirectory) Exists(name string) (bool, error) {
	if _, err := os.Stat(d.path(name)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (d *FSDirectory) List() ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (d *FSDirectory) Close() error { return nil }

// WriteFileAtomic implements AtomicWriter using a temp file plus rename,
// surviving crashes at any point with either the old or the new contents.
func (d *FSDirectory) WriteFileAtomic(name string, data []byte) error {
	t, err := renameio.TempFile(d.root, d.path(name))
	if err != nil {
		return err
	}
	defer t.Cleanup()
	if _, err := t.Write(data); err != nil {
		return err
	}
	return t.CloseAtomicallyReplace()
}

// fileInput shares one *os.File between clones; the last Close closes it.
type fileInput struct {
	f    *os.File
	size int64
	refs *int32
}

func (in *fileInput) ReadAt(p []byte, off int64) (int, error) { return in.f.ReadAt(p, off) }
func (in *fileInput) Size() int64                             { return in.size }

func (in *fileInput) Clone() (Input, error) {
	atomic.AddInt32(in.refs, 1)
	return &fileInput{f: in.f, size: in.size, refs: in.refs}, nil
}

func (in *fileInput) Close() error {
	if atomic.AddInt32(in.refs, -1) >= 0 {
		return nil
	}
	return in.f.Close()
}

type mmapInput struct {
	r    *mmap.ReaderAt
	refs *int32
}

func (in *mmapInput) ReadAt(p []byte, off int64) (int, error) { return in.r.ReadAt(p, off) }
func (in *mmapInput) Size() int64                             { return int64(in.r.Len()) }

func (in *mmapInput) Clone() (Input, error) {
	atomic.AddInt32(in.refs, 1)
	return &mmapInput{r: in.r, refs: in.refs}, nil
}

func (in *mmapInput) Close() error {
	if atomic.AddInt32(in.refs, -1) >= 0 {
		return nil
	}
	return in.r.Close()
}

type fileOutput struct {
	f   *os.File
	w   *bufio.Writer
	off int64
}

func (o *fileOutput) Write(p []byte) (int, error) {
	n, err := o.w.Write(p)
	o.off += int64(n)
	return n, err
}

func (o *fileOutput) WriteByte(c byte) error {
	if err := o.w.WriteByte(c); err != nil {
		return err
	}
	o.off++
	return nil
}

func (o *fileOutput) Offset() int64 { return o.off }

func (o *fileOutput) Close() error {
	if err := o.w.Flush(); err != nil {
		o.f.Close()
		return err
	}
	if err := o.f.Sync(); err != nil {
		o.f.Close()
		return err
	}
	return o.f.Close()
}
