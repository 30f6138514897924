package storage

import (
	"crypto/sha1"
	"testing"

	"github.com/rabbitwire/rabbit/internal/meta"
)

func buildMetainfo(t *testing.T, name string, pieceLen int32, data []byte) *meta.Metainfo {
	t.Helper()

	var hashes [][sha1.Size]byte
	for off := 0; off < len(data); off += int(pieceLen) {
		end := off + int(pieceLen)
		if end > len(data) {
			end = len(data)
		}
		hashes = append(hashes, sha1.Sum(data[off:end]))
	}

	return &meta.Metainfo{
		Info: &meta.Info{
			Name:        name,
			PieceLength: pieceLen,
			Pieces:      hashes,
			Length:      int64(len(data)),
		},
	}
}

func TestOpen_RejectsMultiFile(t *testing.T) {
	mi := &meta.Metainfo{Info: &meta.Info{Files: []*meta.File{{Length: 1, Path: []string{"a"}}}}}
	if _, err := Open(mi, t.TempDir()); err != meta.ErrMultiFileUnsupported {
		t.Fatalf("got %v, want ErrMultiFileUnsupported", err)
	}
}

func TestWriteReadBlock_RoundTrip(t *testing.T) {
	data := make([]byte, 40)
	for i := range data {
		data[i] = byte(i)
	}
	mi := buildMetainfo(t, "file.bin", 16, data)

	s, err := Open(mi, t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.WriteBlock(0, 0, data[0:8]); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	if err := s.WriteBlock(0, 8, data[8:16]); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	got, err := s.ReadBlock(0, 0, 16)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	for i := range got {
		if got[i] != data[i] {
			t.Fatalf("byte %d mismatch: got=%d want=%d", i, got[i], data[i])
		}
	}
}

func TestPieceLength_ShortFinalPiece(t *testing.T) {
	data := make([]byte, 40) // piece len 16 -> pieces of 16, 16, 8
	mi := buildMetainfo(t, "f", 16, data)
	s, err := Open(mi, t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if got := s.PieceLength(0); got != 16 {
		t.Fatalf("piece 0 length = %d, want 16", got)
	}
	if got := s.PieceLength(2); got != 8 {
		t.Fatalf("final piece length = %d, want 8", got)
	}
}

func TestVerifyPiece_DetectsCorruption(t *testing.T) {
	data := make([]byte, 32)
	for i := range data {
		data[i] = byte(i * 3)
	}
	mi := buildMetainfo(t, "f", 16, data)
	s, err := Open(mi, t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.WriteBlock(0, 0, data[0:16]); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	ok, err := s.VerifyPiece(0)
	if err != nil {
		t.Fatalf("VerifyPiece: %v", err)
	}
	if !ok {
		t.Fatalf("expected piece 0 to verify")
	}

	// Corrupt the on-disk bytes directly.
	if err := s.WriteBlock(0, 0, make([]byte, 16)); err != nil {
		t.Fatalf("WriteBlock corrupt: %v", err)
	}
	ok, err = s.VerifyPiece(0)
	if err != nil {
		t.Fatalf("VerifyPiece: %v", err)
	}
	if ok {
		t.Fatalf("expected piece 0 verification to fail after corruption")
	}
}

func TestHashExisting_ResumesFromDisk(t *testing.T) {
	data := make([]byte, 48)
	for i := range data {
		data[i] = byte(i + 1)
	}
	mi := buildMetainfo(t, "f", 16, data)
	dir := t.TempDir()

	s, err := Open(mi, dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Write only pieces 0 and 2 completely; leave piece 1 empty (zeros).
	if err := s.WriteBlock(0, 0, data[0:16]); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	if err := s.WriteBlock(2, 0, data[32:48]); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	s.Close()

	s2, err := Open(mi, dir)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	defer s2.Close()

	bf, err := s2.HashExisting()
	if err != nil {
		t.Fatalf("HashExisting: %v", err)
	}
	if !bf.Has(0) || bf.Has(1) || !bf.Has(2) {
		t.Fatalf("resume bitfield = %v, want [true false true]", bf)
	}
}
