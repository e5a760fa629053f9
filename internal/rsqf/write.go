package rsqf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
)

var magic = [8]byte{'r', 's', 'q', 'f', 'p', 'w', 'n', 'd'}

const formatVersion = uint64(2)

const writeBufSize = 4 * 1024 * 1024

// WriteTo serializes the filter to path atomically: it writes to
// path+".tmp" and renames over path only once every byte has been
// flushed and synced, so a crash mid-write never corrupts an existing
// container.
func (f *Filter) WriteTo(path string) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("rsqf: create temp file: %w", err)
	}
	w := bufio.NewWriterSize(file, writeBufSize)

	if err := f.encode(w); err != nil {
		file.Close()
		os.Remove(tmp)
		return err
	}
	if err := w.Flush(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("rsqf: flush: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("rsqf: sync: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rsqf: close: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rsqf: rename into place: %w", err)
	}
	return nil
}

func (f *Filter) encode(w *bufio.Writer) error {
	if _, err := w.Write(magic[:]); err != nil {
		return err
	}
	if err := writeUint64(w, formatVersion); err != nil {
		return err
	}

	// metadata block: created_at + label.
	if err := writeUint64(w, uint64(f.createdAt)); err != nil {
		return err
	}
	labelBytes := []byte(f.label)
	if err := writeUint32(w, uint32(len(labelBytes))); err != nil {
		return err
	}
	if _, err := w.Write(labelBytes); err != nil {
		return err
	}

	// sizing parameters, needed to reconstruct quotient/remainder math
	// on read without recomputing from capacity/fpr. physicalSlots is
	// the true length of remainder/continue_/shifted, numSlots plus
	// cluster-overflow slack.
	for _, v := range []uint64{f.capacity, f.qBits, f.rBits, f.pBits, f.numSlots, f.physicalSlots, f.numEntries} {
		if err := writeUint64(w, v); err != nil {
			return err
		}
	}
	if err := writeUint64(w, math.Float64bits(f.fpr)); err != nil {
		return err
	}

	// slot body: remainders, then the three metadata bitsets.
	for _, v := range f.remainder {
		if err := writeUint32(w, v); err != nil {
			return err
		}
	}
	if err := writeBitset(w, f.occupied); err != nil {
		return err
	}
	if err := writeBitset(w, f.continue_); err != nil {
		return err
	}
	if err := writeBitset(w, f.shifted); err != nil {
		return err
	}
	return nil
}

func writeBitset(w *bufio.Writer, b *bitset) error {
	if err := writeUint64(w, uint64(len(b.words))); err != nil {
		return err
	}
	for _, word := range b.words {
		if err := writeUint64(w, word); err != nil {
			return err
		}
	}
	return nil
}

func writeUint32(w *bufio.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeUint64(w *bufio.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}
