package index

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
)

const (
	snapshotMagic   uint32 = 0x4C4D4958 // "LMIX"
	snapshotVersion uint32 = 1

	// maxSnapshotDim guards the per-record allocation during decode.
	maxSnapshotDim = 1 << 16
)

// Save writes a point-in-time snapshot to path using little-endian layout
// magic, version, dim, count, then (id, vector) pairs with float32
// components. The file is written to path+".tmp" and renamed into place so
// readers never observe a partial snapshot.
func (f *Flat) Save(path string) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("index snapshot: %w", err)
	}

	w := bufio.NewWriter(file)
	if err := f.encodeLocked(w); err == nil {
		err = w.Flush()
	} else {
		w.Flush()
	}
	if err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("index snapshot: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("index snapshot: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("index snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("index snapshot: %w", err)
	}
	return nil
}

// Load replaces the index contents with the snapshot at path. The receiver
// is only modified after the whole file decodes cleanly; a snapshot that
// cannot be decoded returns ErrCorruptSnapshot and never reinitializes the
// index. A missing file is reported via the underlying os error so callers
// can treat first start specially.
func (f *Flat) Load(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	dim, vectors, err := decodeSnapshot(bufio.NewReader(file))
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dim != 0 && dim != 0 && dim != f.dim {
		return fmt.Errorf("%w: snapshot dimension %d, index dimension %d",
			ErrDimensionMismatch, dim, f.dim)
	}
	if dim != 0 {
		f.dim = dim
	}
	f.vectors = vectors
	return nil
}

// encodeLocked writes the snapshot body. Ids are emitted in ascending order
// so identical contents always produce identical bytes.
func (f *Flat) encodeLocked(w io.Writer) error {
	for _, v := range []uint32{snapshotMagic, snapshotVersion, uint32(f.dim)} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(f.vectors))); err != nil {
		return err
	}

	ids := make([]int64, 0, len(f.vectors))
	for id := range f.vectors {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	buf := make([]float32, f.dim)
	for _, id := range ids {
		if err := binary.Write(w, binary.LittleEndian, id); err != nil {
			return err
		}
		for i, x := range f.vectors[id] {
			buf[i] = float32(x)
		}
		if err := binary.Write(w, binary.LittleEndian, buf); err != nil {
			return err
		}
	}
	return nil
}

func decodeSnapshot(r io.Reader) (int, map[int64][]float64, error) {
	var magic, version, dim uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return 0, nil, corrupt(err)
	}
	if magic != snapshotMagic {
		return 0, nil, fmt.Errorf("%w: bad magic 0x%08x", ErrCorruptSnapshot, magic)
	}
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return 0, nil, corrupt(err)
	}
	if version != snapshotVersion {
		return 0, nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptSnapshot, version)
	}
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return 0, nil, corrupt(err)
	}
	var count uint64
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return 0, nil, corrupt(err)
	}
	if dim > maxSnapshotDim {
		return 0, nil, fmt.Errorf("%w: implausible dimension %d", ErrCorruptSnapshot, dim)
	}
	if dim == 0 && count > 0 {
		return 0, nil, fmt.Errorf("%w: zero dimension with %d records", ErrCorruptSnapshot, count)
	}

	vectors := make(map[int64][]float64, int(min(count, 1<<20)))
	buf := make([]float32, dim)
	for i := uint64(0); i < count; i++ {
		var id int64
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			return 0, nil, corrupt(err)
		}
		if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
			return 0, nil, corrupt(err)
		}
		vectors[id] = toFloat64(buf)
	}

	// Anything after the last record means the file is not one of ours.
	var trailing [1]byte
	if _, err := io.ReadFull(r, trailing[:]); err != io.EOF {
		return 0, nil, fmt.Errorf("%w: trailing data", ErrCorruptSnapshot)
	}
	return int(dim), vectors, nil
}

func corrupt(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: truncated file", ErrCorruptSnapshot)
	}
	return fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
}
