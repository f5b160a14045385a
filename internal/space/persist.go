package space

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
)

// memMagic leads every snapshot blob.
const memMagic = "XREFMEM1"

// ErrBadSnapshot reports a snapshot file that fails validation.
var ErrBadSnapshot = errors.New("space: corrupt memory snapshot")

// snapshot is the serialized form of the paired views.
type snapshot struct {
	Pages map[uint64][]byte
	Spans []span
	Perms map[uint64]Perm
}

// SnapshotPath is where a binary's views persist, beside the binary.
func SnapshotPath(path string) string { return path + ".mem.zst" }

func encodeSnapshot(mem *MemView, perms *PermView) ([]byte, error) {
	var buf bytes.Buffer
	snap := snapshot{Pages: mem.pages, Spans: mem.spans, Perms: perms.pages}
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	comp := enc.EncodeAll(buf.Bytes(), nil)
	enc.Close()

	blob := make([]byte, 0, len(memMagic)+8+len(comp))
	blob = append(blob, memMagic...)
	var sum [8]byte
	binary.LittleEndian.PutUint64(sum[:], xxhash.Sum64(comp))
	blob = append(blob, sum[:]...)
	blob = append(blob, comp...)
	return blob, nil
}

func decodeSnapshot(blob []byte) (*MemView, *PermView, error) {
	if len(blob) < len(memMagic)+8 || string(blob[:len(memMagic)]) != memMagic {
		return nil, nil, ErrBadSnapshot
	}
	want := binary.LittleEndian.Uint64(blob[len(memMagic):])
	comp := blob[len(memMagic)+8:]
	if xxhash.Sum64(comp) != want {
		return nil, nil, fmt.Errorf("%w: checksum mismatch", ErrBadSnapshot)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, nil, err
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(comp, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}

	var snap snapshot
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&snap); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	mem := &MemView{pages: snap.Pages, spans: snap.Spans}
	if mem.pages == nil {
		mem.pages = make(map[uint64][]byte)
	}
	perms := &PermView{pages: snap.Perms}
	if perms.pages == nil {
		perms.pages = make(map[uint64]Perm)
	}
	return mem, perms, nil
}

// SaveMemory persists the views as one checksummed, compressed blob next
// to the main binary.
func (s *Space) SaveMemory() error {
	main := s.Main()
	if main == nil {
		return errors.New("space: no image to save views for")
	}
	blob, err := encodeSnapshot(s.mem, s.perms)
	if err != nil {
		return err
	}
	return os.WriteFile(SnapshotPath(main.Path()), blob, 0o644)
}

// LoadMemory replaces the views with a previously saved snapshot.
func (s *Space) LoadMemory() error {
	main := s.Main()
	if main == nil {
		return errors.New("space: no image to load views for")
	}
	blob, err := os.ReadFile(SnapshotPath(main.Path()))
	if err != nil {
		return err
	}
	mem, perms, err := decodeSnapshot(blob)
	if err != nil {
		return err
	}
	s.mem, s.perms = mem, perms
	return nil
}
