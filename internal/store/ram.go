package store

import (
	"bytes"
	"os"
	"sort"
	"sync"

	"github.com/orcaman/writerseeker"
)

// RAMDirectory keeps all files in memory. Tests use it to exercise the
// whole write/merge/read cycle without touching disk.
type RAMDirectory struct {
	mu    sync.RWMutex
	files map[string][]byte
}

func OpenRAM() *RAMDirectory {
	return &RAMDirectory{files: make(map[string][]byte)}
}

func (d *RAMDirectory) Create(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.files[name] = nil
	return nil
}

func (d *RAMDirectory) OpenInput(name string) (Input, error) {
	d.mu.RLock()
	b, ok := d.files[name]
	d.mu.RUnlock()
	if !ok {
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrNotExist}
	}
	return ramInput{b: b}, nil
}

func (d *RAMDirectory) OpenOutput(name string) (Output, error) {
	return &ramOutput{dir: d, name: name, ws: &writerseeker.WriterSeeker{}}, nil
}

func (d *RAMDirectory) Delete(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.files[name]; !ok {
		return &os.PathError{Op: "remove", Path: name, Err: os.ErrNotExist}
	}
	delete(d.files, name)
	return nil
}

func (d *RAMDirectory) Rename(oldName, newName string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.files[oldName]
	if !ok {
		return &os.PathError{Op: "rename", Path: oldName, Err: os.ErrNotExist}
	}
	d.files[newName] = b
	delete(d.files, oldName)
	return nil
}

func (d *RAMDirectory) Exists(name string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.files[name]
	return ok, nil
}

func (d *RAMDirectory) List() ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.files))
	for name := range d.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (d *RAMDirectory) Close() error { return nil }

// WriteFileAtomic implements AtomicWriter with a single map update.
func (d *RAMDirectory) WriteFileAtomic(name string, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.files[name] = append([]byte(nil), data...)
	return nil
}

// ramInput reads from an immutable byte slice; the slice is never
// mutated after Close of the output that produced it, so clones can
// share it freely.
type ramInput struct {
	b []byte
}

func (in ramInput) ReadAt(p []byte, off int64) (int, error) {
	return bytes.NewReader(in.b).ReadAt(p, off)
}

func (in ramInput) Size() int64           { return int64(len(in.b)) }
func (in ramInput) Clone() (Input, error) { return in, nil }
func (in ramInput) Close() error          { return nil }

type ramOutput struct {
	dir  *RAMDirectory
	name string
	ws   *writerseeker.WriterSeeker
	off  int64
}

func (o *ramOutput) Write(p []byte) (int, error) {
	n, err := o.ws.Write(p)
	o.off += int64(n)
	return n, err
}

func (o *ramOutput) WriteByte(c byte) error {
	_, err := o.Write([]byte{c})
	return err
}

func (o *ramOutput) Offset() int64 { return o.off }

func (o *ramOutput) Close() error {
	r := o.ws.BytesReader()
	b := make([]byte, r.Len())
	if _, err := r.Read(b); err != nil && r.Len() > 0 {
		return err
	}
	o.dir.mu.Lock()
	o.dir.files[o.name] = b
	o.dir.mu.Unlock()
	return nil
}
