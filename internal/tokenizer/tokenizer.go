// Package tokenizer loads the llama2 tokenizer.bin vocabulary and provides
// greedy byte-pair encoding of prompts.
package tokenizer

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"
)

const bosToken = 1

type Tokenizer struct {
	Tokens         []string
	Scores         []float32
	MaxTokenLength int

	index map[string]int
}

// Load reads tokenizer.bin: an int32 max token length, then vocabSize
// entries of (float32 score, int32 len, len bytes).
func Load(path string, vocabSize int) (*Tokenizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open tokenizer: %w", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var maxLen int32
	if err := binary.Read(r, binary.LittleEndian, &maxLen); err != nil {
		return nil, fmt.Errorf("read max token length: %w", err)
	}

	t := &Tokenizer{
		Tokens:         make([]string, vocabSize),
		Scores:         make([]float32, vocabSize),
		MaxTokenLength: int(maxLen),
		index:          make(map[string]int, vocabSize),
	}
	for i := 0; i < vocabSize; i++ {
		if err := binary.Read(r, binary.LittleEndian, &t.Scores[i]); err != nil {
			return nil, fmt.Errorf("read score %d: %w", i, err)
		}
		var n int32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, fmt.Errorf("read length %d: %w", i, err)
		}
		if n < 0 {
			return nil, fmt.Errorf("token %d has negative length %d", i, n)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("read token %d: %w", i, err)
		}
		t.Tokens[i] = string(buf)
		// First occurrence wins on duplicate pieces, matching a linear scan.
		if _, ok := t.index[t.Tokens[i]]; !ok {
			t.index[t.Tokens[i]] = i
		}
	}
	return t, nil
}

// Lookup returns the id of an exact vocabulary piece.
func (t *Tokenizer) Lookup(piece string) (int, bool) {
	id, ok := t.index[piece]
	return id, ok
}

// Encode greedily byte-pair encodes text: each input byte becomes its
// single-byte token, then the adjacent pair whose merged piece has the
// highest score is merged, until no pair merges.
func (t *Tokenizer) Encode(text string) ([]int, error) {
	tokens := make([]int, 0, len(text))
	for i := 0; i < len(text); i++ {
		id, ok := t.index[text[i:i+1]]
		if !ok {
			return nil, fmt.Errorf("byte 0x%02x at offset %d not in vocabulary", text[i], i)
		}
		tokens = append(tokens, id)
	}

	for {
		bestScore := float32(-1e10)
		bestID, bestIdx := -1, -1
		for i := 0; i+1 < len(tokens); i++ {
			merged := t.Tokens[tokens[i]] + t.Tokens[tokens[i+1]]
			if id, ok := t.index[merged]; ok && t.Scores[id] > bestScore {
				bestScore = t.Scores[id]
				bestID = id
				bestIdx = i
			}
		}
		if bestIdx == -1 {
			break
		}
		tokens[bestIdx] = bestID
		tokens = append(tokens[:bestIdx+1], tokens[bestIdx+2:]...)
	}
	return tokens, nil
}

// Piece decodes one token for emission. Following a BOS token the
// sentencepiece decoder strips a single leading space.
func (t *Tokenizer) Piece(id, prev int) string {
	p := t.Tokens[id]
	if prev == bosToken && strings.HasPrefix(p, " ") {
		return p[1:]
	}
	return p
}

// Decode concatenates raw pieces, without the BOS space convention.
func (t *Tokenizer) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		if id >= 0 && id < len(t.Tokens) {
			sb.WriteString(t.Tokens[id])
		}
	}
	return sb.String()
}
