// bodkin runs autoregressive inference of a Llama-2 float32 checkpoint on
// a headless GLES compute device and streams sampled tokens to stdout.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/checkpoint"
	"github.com/23skdu/longbow-bodkin/internal/device"
	"github.com/23skdu/longbow-bodkin/internal/engine"
	"github.com/23skdu/longbow-bodkin/internal/flight"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/monitoring"
	"github.com/23skdu/longbow-bodkin/internal/tokenizer"
)

const tokenizerPath = "tokenizer.bin"

type options struct {
	checkpoint  string
	temperature float32
	topp        float32
	seed        uint64
	steps       int
	prompt      string
	metricsAddr string
	flightAddr  string
	logLevel    string
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:   bodkin <checkpoint> [options]")
	fmt.Fprintln(os.Stderr, "Example: bodkin model.bin -n 256 -i \"Once upon a time\"")
	fmt.Fprintln(os.Stderr, "Options:")
	fmt.Fprintln(os.Stderr, "  -t <float>  temperature, default 1.0")
	fmt.Fprintln(os.Stderr, "  -p <float>  p value in top-p (nucleus) sampling. default 0.9, 0 = off")
	fmt.Fprintln(os.Stderr, "  -s <int>    random seed, default time(now)")
	fmt.Fprintln(os.Stderr, "  -n <int>    number of steps to run for, default 256. 0 = max_seq_len")
	fmt.Fprintln(os.Stderr, "  -i <string> input prompt")
	fmt.Fprintln(os.Stderr, "  -m <addr>   serve /healthz and /metrics on addr, off by default")
	fmt.Fprintln(os.Stderr, "  -f <addr>   stream per-token traces to an Arrow Flight endpoint")
	fmt.Fprintln(os.Stderr, "  -v <level>  log level: debug, info, warn, error. default warn")
}

// parseArgs enforces the strict two-character flag syntax: flags come in
// pairs after the checkpoint path.
func parseArgs(args []string) (options, error) {
	opts := options{
		temperature: 1.0,
		topp:        0.9,
		seed:        uint64(time.Now().Unix()),
		steps:       256,
		logLevel:    "warn",
	}
	if len(args) < 1 {
		return opts, fmt.Errorf("missing checkpoint path")
	}
	opts.checkpoint = args[0]

	for i := 1; i < len(args); i += 2 {
		if i+1 >= len(args) {
			return opts, fmt.Errorf("flag %s has no value", args[i])
		}
		flag, val := args[i], args[i+1]
		if len(flag) != 2 || flag[0] != '-' {
			return opts, fmt.Errorf("malformed flag %q", flag)
		}
		var err error
		switch flag[1] {
		case 't':
			var f float64
			f, err = strconv.ParseFloat(val, 32)
			opts.temperature = float32(f)
		case 'p':
			var f float64
			f, err = strconv.ParseFloat(val, 32)
			opts.topp = float32(f)
		case 's':
			var n int64
			n, err = strconv.ParseInt(val, 10, 64)
			opts.seed = uint64(n)
		case 'n':
			opts.steps, err = strconv.Atoi(val)
		case 'i':
			opts.prompt = val
		case 'm':
			opts.metricsAddr = val
		case 'f':
			opts.flightAddr = val
		case 'v':
			opts.logLevel = val
		default:
			return opts, fmt.Errorf("unknown flag %q", flag)
		}
		if err != nil {
			return opts, fmt.Errorf("bad value %q for %s: %w", val, flag, err)
		}
	}
	return opts, nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	opts, err := parseArgs(args)
	if err != nil {
		usage()
		return 1
	}
	if opts.seed == 0 {
		fmt.Fprintln(os.Stderr, "Cannot use seed=0 because of the rng alg used")
		return 1
	}
	logger.Setup(opts.logLevel, "console")

	var monitor *monitoring.Monitor
	if opts.metricsAddr != "" {
		monitor = monitoring.New()
		monitor.Serve(opts.metricsAddr)
	}

	model, err := checkpoint.Load(opts.checkpoint)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer model.Close()
	cfg := model.Config
	if monitor != nil {
		monitor.SetModel(opts.checkpoint)
	}

	// the KV cache bounds how far a sequence can run
	if opts.steps <= 0 || opts.steps > cfg.SeqLen {
		opts.steps = cfg.SeqLen
	}

	tok, err := tokenizer.Load(tokenizerPath, cfg.VocabSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	var promptTokens []int
	if opts.prompt != "" {
		promptTokens, err = tok.Encode(opts.prompt)
		if err != nil {
			fmt.Fprintf(os.Stderr, "prompt encoding failed: %v\n", err)
			return 1
		}
	}

	ctx, err := device.NewContext()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer ctx.Free()

	e := engine.New(ctx, model)
	defer e.Close()

	var sink engine.TraceSink
	if opts.flightAddr != "" {
		exp, err := flight.Dial(context.Background(), opts.flightAddr)
		if err != nil {
			logger.Log.Warn("trace export disabled", "error", err)
		} else {
			defer exp.Close()
			sink = exp
		}
	}

	res, err := e.Generate(tok, promptTokens, opts.steps, engine.SampleConfig{
		Temperature: opts.temperature,
		TopP:        opts.topp,
		Seed:        opts.seed,
	}, sink, func(piece string) {
		fmt.Print(piece)
	})
	fmt.Println()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	if res.Positions > 1 {
		fmt.Fprintf(os.Stderr, "achieved tok/s: %f\n", res.TokPerSec)
	}
	if monitor != nil {
		monitor.RecordProgress(res.Positions, res.TokPerSec)
	}
	return 0
}
