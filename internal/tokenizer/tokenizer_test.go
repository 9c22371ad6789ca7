package tokenizer

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

type vocabEntry struct {
	piece string
	score float32
}

func writeTokenizer(t *testing.T, entries []vocabEntry) string {
	t.Helper()
	var buf bytes.Buffer
	maxLen := 0
	for _, e := range entries {
		if len(e.piece) > maxLen {
			maxLen = len(e.piece)
		}
	}
	binary.Write(&buf, binary.LittleEndian, int32(maxLen))
	for _, e := range entries {
		binary.Write(&buf, binary.LittleEndian, e.score)
		binary.Write(&buf, binary.LittleEndian, int32(len(e.piece)))
		buf.WriteString(e.piece)
	}
	path := filepath.Join(t.TempDir(), "tokenizer.bin")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func testVocab() []vocabEntry {
	return []vocabEntry{
		{"<unk>", 0}, {"<s>", 0}, {"</s>", 0},
		{"h", 0}, {"e", 0}, {"l", 0}, {"o", 0}, {" ", 0},
		{"he", 1.0}, {"ll", 2.0}, {"hell", 3.0}, {"hello", 5.0},
		{" hello", 4.0},
	}
}

func loadTest(t *testing.T) *Tokenizer {
	entries := testVocab()
	path := writeTokenizer(t, entries)
	tok, err := Load(path, len(entries))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return tok
}

func TestLoad(t *testing.T) {
	tok := loadTest(t)
	if tok.MaxTokenLength != 6 {
		t.Errorf("MaxTokenLength = %d, want 6", tok.MaxTokenLength)
	}
	if id, ok := tok.Lookup("hello"); !ok || id != 11 {
		t.Errorf("Lookup(hello) = %d %v", id, ok)
	}
	if tok.Scores[9] != 2.0 {
		t.Errorf("Scores[9] = %v, want 2.0", tok.Scores[9])
	}
}

func TestEncode_GreedyMergeOrder(t *testing.T) {
	tok := loadTest(t)

	// "ll" (2.0) merges before "he" (1.0); the chain ends in one token.
	got, err := tok.Encode("hello")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(got) != 1 || got[0] != 11 {
		t.Fatalf("Encode(hello) = %v, want [11]", got)
	}

	// With a leading space the " hello" merge wins over leaving the space.
	got, err = tok.Encode(" hello")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(got) != 1 || got[0] != 12 {
		t.Fatalf("Encode(' hello') = %v, want [12]", got)
	}
}

func TestEncode_RoundTrip(t *testing.T) {
	tok := loadTest(t)
	for _, text := range []string{"hello", " hello hello", "leo", "ol he"} {
		ids, err := tok.Encode(text)
		if err != nil {
			t.Fatalf("Encode(%q): %v", text, err)
		}
		if got := tok.Decode(ids); got != text {
			t.Errorf("Decode(Encode(%q)) = %q", text, got)
		}
	}
}

func TestEncode_UnknownByte(t *testing.T) {
	tok := loadTest(t)
	if _, err := tok.Encode("hxllo"); err == nil {
		t.Fatal("Encode accepted a byte outside the vocabulary")
	}
}

func TestPiece_StripsSpaceAfterBOS(t *testing.T) {
	tok := loadTest(t)
	id, _ := tok.Lookup(" hello")
	if got := tok.Piece(id, 1); got != "hello" {
		t.Errorf("Piece after BOS = %q, want %q", got, "hello")
	}
	if got := tok.Piece(id, 5); got != " hello" {
		t.Errorf("Piece after non-BOS = %q, want %q", got, " hello")
	}
}

func TestLoad_Truncated(t *testing.T) {
	entries := testVocab()
	path := writeTokenizer(t, entries)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	short := filepath.Join(t.TempDir(), "short.bin")
	if err := os.WriteFile(short, data[:len(data)-4], 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(short, len(entries)); err == nil {
		t.Fatal("Load accepted a truncated vocabulary")
	}
}
