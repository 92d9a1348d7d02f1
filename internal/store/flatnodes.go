package store

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

const (
	// Each entry: latp (int32) + lon (int32).
	flatEntrySize = 8
	// Address space for 10 billion node IDs. The file is sparse, so disk
	// usage tracks only the IDs actually written.
	flatMaxNodeID = 10_000_000_000
)

// FlatNodeStore keeps node coordinates in a memory-mapped sparse file at
// offset = id * 8, trading RAM for disk on planet-scale builds. An all-zero
// entry is read as absent; a node at exactly (0, 0) is the accepted blind
// spot of this encoding.
type FlatNodeStore struct {
	file   *os.File
	data   mmap.MMap
	lastID NodeID
	count  int
}

// NewFlatNodeStore creates (or truncates) the flat nodes file at path and
// maps it for writing.
func NewFlatNodeStore(path string) (*FlatNodeStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create flat nodes file: %w", err)
	}
	if err := f.Truncate(flatMaxNodeID * flatEntrySize); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to size flat nodes file: %w", err)
	}
	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to map flat nodes file: %w", err)
	}
	return &FlatNodeStore{file: f, data: data}, nil
}

// At looks up the projected coordinate of a node, or ErrNotFound.
func (s *FlatNodeStore) At(id NodeID) (LatpLon, error) {
	if id >= flatMaxNodeID {
		return LatpLon{}, fmt.Errorf("%w: node %d", ErrNotFound, id)
	}
	off := int64(id) * flatEntrySize
	latp := int32(binary.LittleEndian.Uint32(s.data[off:]))
	lon := int32(binary.LittleEndian.Uint32(s.data[off+4:]))
	if latp == 0 && lon == 0 {
		return LatpLon{}, fmt.Errorf("%w: node %d", ErrNotFound, id)
	}
	return LatpLon{Latp: latp, Lon: lon}, nil
}

// Count reports whether a node is present (0 or 1).
func (s *FlatNodeStore) Count(id NodeID) int {
	if _, err := s.At(id); err != nil {
		return 0
	}
	return 1
}

// InsertBack writes a node coordinate. IDs must arrive strictly ascending.
func (s *FlatNodeStore) InsertBack(id NodeID, coord LatpLon) error {
	if s.count > 0 && id <= s.lastID {
		return fmt.Errorf("%w: node %d after %d", ErrOutOfOrder, id, s.lastID)
	}
	if id >= flatMaxNodeID {
		return fmt.Errorf("node %d exceeds flat nodes capacity", id)
	}
	off := int64(id) * flatEntrySize
	binary.LittleEndian.PutUint32(s.data[off:], uint32(coord.Latp))
	binary.LittleEndian.PutUint32(s.data[off+4:], uint32(coord.Lon))
	s.lastID = id
	s.count++
	return nil
}

// Clear forgets the written range. The backing file is reused as-is; a
// fresh build should use a fresh path.
func (s *FlatNodeStore) Clear() {
	s.lastID = 0
	s.count = 0
}

// Close unmaps and removes the backing file.
func (s *FlatNodeStore) Close() error {
	path := s.file.Name()
	if err := s.data.Unmap(); err != nil {
		s.file.Close()
		return err
	}
	if err := s.file.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}
