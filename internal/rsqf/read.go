package rsqf

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"golang.org/x/exp/mmap"
)

// Open loads a filter container with ordinary buffered I/O. Prefer
// OpenMMAP for the query service's hot path; Open is used by the
// builder, which reads a container once to resume a run and then
// writes a fresh one.
func Open(path string) (*Filter, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("rsqf: open: %w", err)
	}
	defer file.Close()
	stat, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("rsqf: stat: %w", err)
	}
	return decode(io.NewSectionReader(file, 0, stat.Size()))
}

// mmapFilter is a Filter decoded from a golang.org/x/exp/mmap mapping
// of the container file. decode copies the whole body into heap slices,
// so lookups do not touch the mapping; backing is kept only so Close
// can release it.
type mmapFilter struct {
	*Filter
	backing *mmap.ReaderAt
}

// OpenMMAP loads a filter container for the query service by reading it
// through a read-only mmap mapping; like Open, it decodes the full body
// into memory. Close releases the mapping.
func OpenMMAP(path string) (*mmapFilter, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("rsqf: mmap open: %w", err)
	}
	f, err := decode(io.NewSectionReader(r, 0, int64(r.Len())))
	if err != nil {
		r.Close()
		return nil, err
	}
	return &mmapFilter{Filter: f, backing: r}, nil
}

func (m *mmapFilter) Close() error {
	return m.backing.Close()
}

func decode(r io.ReaderAt) (*Filter, error) {
	var off int64

	var gotMagic [8]byte
	if _, err := r.ReadAt(gotMagic[:], off); err != nil {
		return nil, fmt.Errorf("rsqf: read magic: %w", err)
	}
	off += 8
	if gotMagic != magic {
		return nil, fmt.Errorf("rsqf: bad magic %x", gotMagic)
	}

	version, n, err := readUint64(r, off)
	if err != nil {
		return nil, fmt.Errorf("rsqf: read version: %w", err)
	}
	off += n
	if version != formatVersion {
		return nil, fmt.Errorf("rsqf: unsupported container version %d", version)
	}

	createdAt, n, err := readUint64(r, off)
	if err != nil {
		return nil, fmt.Errorf("rsqf: read created_at: %w", err)
	}
	off += n

	labelLen, n, err := readUint32(r, off)
	if err != nil {
		return nil, fmt.Errorf("rsqf: read label length: %w", err)
	}
	off += n
	labelBuf := make([]byte, labelLen)
	if labelLen > 0 {
		if _, err := r.ReadAt(labelBuf, off); err != nil {
			return nil, fmt.Errorf("rsqf: read label: %w", err)
		}
	}
	off += int64(labelLen)

	fields := make([]uint64, 7)
	for i := range fields {
		v, n, err := readUint64(r, off)
		if err != nil {
			return nil, fmt.Errorf("rsqf: read sizing field %d: %w", i, err)
		}
		fields[i] = v
		off += n
	}
	fprBits, n, err := readUint64(r, off)
	if err != nil {
		return nil, fmt.Errorf("rsqf: read fpr: %w", err)
	}
	off += n

	f := &Filter{
		capacity:      fields[0],
		qBits:         fields[1],
		rBits:         fields[2],
		pBits:         fields[3],
		numSlots:      fields[4],
		physicalSlots: fields[5],
		numEntries:    fields[6],
		fpr:           math.Float64frombits(fprBits),
		createdAt:     int64(createdAt),
		label:         string(labelBuf),
	}

	f.remainder = make([]uint32, f.physicalSlots)
	for i := range f.remainder {
		v, n, err := readUint32(r, off)
		if err != nil {
			return nil, fmt.Errorf("rsqf: read remainder[%d]: %w", i, err)
		}
		f.remainder[i] = v
		off += n
	}

	bs, n, err := readBitset(r, off, f.numSlots)
	if err != nil {
		return nil, err
	}
	f.occupied = bs
	off += n

	for _, dst := range []**bitset{&f.continue_, &f.shifted} {
		bs, n, err := readBitset(r, off, f.physicalSlots)
		if err != nil {
			return nil, err
		}
		*dst = bs
		off += n
	}

	return f, nil
}

func readBitset(r io.ReaderAt, off int64, n uint64) (*bitset, int64, error) {
	var start = off
	numWords, adv, err := readUint64(r, off)
	if err != nil {
		return nil, 0, fmt.Errorf("rsqf: read bitset length: %w", err)
	}
	off += adv
	b := &bitset{words: make([]uint64, numWords), n: n}
	for i := range b.words {
		v, adv, err := readUint64(r, off)
		if err != nil {
			return nil, 0, fmt.Errorf("rsqf: read bitset word[%d]: %w", i, err)
		}
		b.words[i] = v
		off += adv
	}
	return b, off - start, nil
}

func readUint32(r io.ReaderAt, off int64) (uint32, int64, error) {
	var buf [4]byte
	if _, err := r.ReadAt(buf[:], off); err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), 4, nil
}

func readUint64(r io.ReaderAt, off int64) (uint64, int64, error) {
	var buf [8]byte
	if _, err := r.ReadAt(buf[:], off); err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), 8, nil
}
