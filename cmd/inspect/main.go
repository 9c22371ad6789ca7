// inspect prints a checkpoint's header and tensor layout without touching
// the GPU, as JSON for scripting or as plain text.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/goccy/go-json"

	"github.com/23skdu/longbow-bodkin/internal/checkpoint"
)

type tensorInfo struct {
	Name   string `json:"name"`
	Floats int    `json:"floats"`
}

type report struct {
	Dim           int  `json:"dim"`
	HiddenDim     int  `json:"hidden_dim"`
	Layers        int  `json:"n_layers"`
	Heads         int  `json:"n_heads"`
	KVHeads       int  `json:"n_kv_heads"`
	VocabSize     int  `json:"vocab_size"`
	SeqLen        int  `json:"seq_len"`
	HeadSize      int  `json:"head_size"`
	SharedWeights bool `json:"shared_weights"`

	Tensors []tensorInfo `json:"tensors"`
}

func main() {
	asJSON := flag.Bool("json", false, "emit JSON")
	flag.Parse()
	if flag.NArg() != 1 {
		log.Fatal("usage: inspect [-json] <checkpoint>")
	}

	m, err := checkpoint.Load(flag.Arg(0))
	if err != nil {
		log.Fatalf("load failed: %v", err)
	}
	defer m.Close()

	c := m.Config
	w := m.Weights
	r := report{
		Dim:           c.Dim,
		HiddenDim:     c.HiddenDim,
		Layers:        c.Layers,
		Heads:         c.Heads,
		KVHeads:       c.KVHeads,
		VocabSize:     c.VocabSize,
		SeqLen:        c.SeqLen,
		HeadSize:      c.HeadSize(),
		SharedWeights: c.SharedWeights,
		Tensors: []tensorInfo{
			{"token_embedding_table", len(w.TokenEmbedding)},
			{"rms_att_weight", len(w.RMSAtt)},
			{"wq", len(w.WQ)},
			{"wk", len(w.WK)},
			{"wv", len(w.WV)},
			{"wo", len(w.WO)},
			{"rms_ffn_weight", len(w.RMSFFN)},
			{"w1", len(w.W1)},
			{"w2", len(w.W2)},
			{"w3", len(w.W3)},
			{"rms_final_weight", len(w.RMSFinal)},
			{"freq_cis_real", len(w.FreqCisReal)},
			{"freq_cis_imag", len(w.FreqCisImag)},
			{"wcls", len(w.WCls)},
		},
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(r); err != nil {
			log.Fatalf("encode: %v", err)
		}
		return
	}

	fmt.Printf("dim=%d hidden_dim=%d n_layers=%d n_heads=%d n_kv_heads=%d vocab_size=%d seq_len=%d\n",
		r.Dim, r.HiddenDim, r.Layers, r.Heads, r.KVHeads, r.VocabSize, r.SeqLen)
	fmt.Printf("head_size=%d shared_weights=%v\n\n", r.HeadSize, r.SharedWeights)
	for _, ti := range r.Tensors {
		fmt.Printf("%-24s %12d floats\n", ti.Name, ti.Floats)
	}
}
