package testsupport

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const wavHeaderSize = 44

// WriteFile creates path (and its parents) holding size bytes of filler.
// A size <= 0 writes a single byte.
func WriteFile(t testing.TB, path string, size int64) {
	t.Helper()
	if size <= 0 {
		size = 1
	}
	writeBytes(t, path, bytes.Repeat([]byte{0x42}, int(size)))
}

// AudioFile writes a placeholder audio file of exactly size bytes under dir
// and returns its path. Names ending in .wav get a valid 16-bit mono PCM
// header followed by silence when size leaves room for one.
func AudioFile(t testing.TB, dir, name string, size int64) string {
	t.Helper()

	path := filepath.Join(dir, name)
	if !strings.EqualFold(filepath.Ext(name), ".wav") || size < wavHeaderSize {
		WriteFile(t, path, size)
		return path
	}

	dataSize := uint32(size - wavHeaderSize)
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(size-8))
	buf.WriteString("WAVEfmt ")
	for _, field := range []any{
		uint32(16),    // fmt chunk size
		uint16(1),     // PCM
		uint16(1),     // channels
		uint32(44100), // sample rate
		uint32(88200), // byte rate
		uint16(2),     // block align
		uint16(16),    // bits per sample
	} {
		_ = binary.Write(&buf, binary.LittleEndian, field)
	}
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, dataSize)
	buf.Write(make([]byte, dataSize))
	writeBytes(t, path, buf.Bytes())
	return path
}

func writeBytes(t testing.TB, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
