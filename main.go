package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"odecl/config"
	"odecl/core"
	"odecl/models"
	"odecl/simulation"
)

const usageText = `odecl generates data-parallel derivative kernels for ODE models.

Usage:
  odecl gen    [-model FILE | -builtin NAME] [-target opencl|cuda|glsl] [-o FILE]
  odecl check  [-model FILE | -builtin NAME]
  odecl eval   [-model FILE | -builtin NAME] [-n 16] [-seed 1] [-backend auto|host|opencl|gl]
  odecl serve  [-config settings.json] [-addr :8080]
  odecl models

Every command accepts -config and -log-level.
`

func usage() { fmt.Fprint(os.Stderr, usageText) }

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "gen":
		err = runGen(args, os.Stdout)
	case "check":
		err = runCheck(args, os.Stdout)
	case "eval":
		err = runEval(args, os.Stdout)
	case "serve":
		err = runServe(args)
	case "models":
		for _, name := range models.Names() {
			fmt.Println(name)
		}
	case "help", "-h", "-help", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		slog.Error("command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

// common holds the flags shared by every subcommand
type common struct {
	configPath string
	logLevel   string
	modelPath  string
	builtin    string
}

func newFlagSet(name string, c *common, withModel bool) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&c.configPath, "config", "settings.json", "settings file")
	fs.StringVar(&c.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	if withModel {
		fs.StringVar(&c.modelPath, "model", "", "model file (.yaml, .yml or .json)")
		fs.StringVar(&c.builtin, "builtin", "", "built-in model name (see odecl models)")
	}
	return fs
}

// setup loads settings and installs the default logger
func (c *common) setup() (config.Settings, *slog.Logger, error) {
	s, err := config.Load(c.configPath)
	if err != nil {
		return s, nil, err
	}
	if c.logLevel != "" {
		s.Log.Level = c.logLevel
	}
	level, err := config.ParseLevel(s.Log.Level)
	if err != nil {
		return s, nil, err
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)
	return s, log, nil
}

func (c *common) loadSpec() (core.ModelSpec, error) {
	switch {
	case c.modelPath != "" && c.builtin != "":
		return core.ModelSpec{}, errors.New("use either -model or -builtin, not both")
	case c.modelPath != "":
		return core.LoadModel(c.modelPath)
	case c.builtin != "":
		return models.Get(c.builtin)
	default:
		return core.ModelSpec{}, fmt.Errorf("a model is required: -model FILE or -builtin one of %s", strings.Join(models.Names(), ", "))
	}
}

func runGen(args []string, stdout io.Writer) error {
	var c common
	fs := newFlagSet("gen", &c, true)
	target := fs.String("target", "", "kernel language (default from settings)")
	out := fs.String("o", "", "write the kernel to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, log, err := c.setup()
	if err != nil {
		return err
	}
	if *target == "" {
		*target = s.Generator.Target
	}

	spec, err := c.loadSpec()
	if err != nil {
		return err
	}
	k, err := core.Generate(spec, core.WithTarget(*target))
	if err != nil {
		return err
	}
	log.Debug("kernel generated", "model", spec.Name, "target", k.Target, "bytes", len(k.Source))

	if *out == "" {
		_, err = io.WriteString(stdout, k.Source)
		return err
	}
	return os.WriteFile(*out, []byte(k.Source), 0o644)
}

func runCheck(args []string, stdout io.Writer) error {
	var c common
	fs := newFlagSet("check", &c, true)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, _, err := c.setup(); err != nil {
		return err
	}
	spec, err := c.loadSpec()
	if err != nil {
		return err
	}
	if err := core.Validate(&spec); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "model\t%s\n", spec.Name)
	fmt.Fprintf(tw, "states\t%s\n", strings.Join(spec.States(), " "))
	fmt.Fprintf(tw, "runtime parameters\t%s\n", strings.Join(spec.RuntimeParameters(), " "))
	fmt.Fprintf(tw, "constants\t%d\n", len(spec.Constants))
	fmt.Fprintf(tw, "auxiliaries\t%d\n", len(spec.Auxiliaries))
	return tw.Flush()
}

func runEval(args []string, stdout io.Writer) error {
	var c common
	fs := newFlagSet("eval", &c, true)
	n := fs.Int("n", 16, "number of instances")
	seed := fs.Int64("seed", 1, "seed for random state and parameters")
	backendName := fs.String("backend", "", "override gpu.backend (auto, host, opencl, gl)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, log, err := c.setup()
	if err != nil {
		return err
	}
	if *backendName != "" {
		s.GPU.Backend = *backendName
	}

	spec, err := c.loadSpec()
	if err != nil {
		return err
	}
	backend, err := initComputeBackend(s.GPU, log)
	if err != nil {
		return err
	}
	defer backend.Cleanup()

	k, err := core.Generate(spec, core.WithTarget(backend.Target()))
	if err != nil {
		return err
	}

	ctx := context.Background()
	ens, err := simulation.New(ctx, backend, k, simulation.Options{
		Instances: *n,
		InputRows: s.Generator.InputRows,
		Logger:    log,
	})
	if err != nil {
		return err
	}
	defer ens.Close()

	rng := rand.New(rand.NewSource(*seed))
	state := randomRows(rng, k.Program.NumStates(), *n)
	param := randomRows(rng, k.Program.NumRuntimeParams(), *n)
	if err := ens.SetState(ctx, state); err != nil {
		return err
	}
	if err := ens.SetParams(ctx, param); err != nil {
		return err
	}
	deriv, err := ens.Derivatives(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "# %s on %s (%s)\n", spec.Name, backend.Name(), backend.Device())
	return writeTable(stdout, spec.States(), state, deriv, *n)
}

func randomRows(rng *rand.Rand, rows, n int) []float32 {
	out := make([]float32, rows*n)
	for i := range out {
		out[i] = rng.Float32()
	}
	return out
}

// writeTable prints one line per instance: the state values, then each
// derivative.
func writeTable(w io.Writer, states []string, state, deriv []float32, n int) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprint(tw, "id\t")
	for _, name := range states {
		fmt.Fprintf(tw, "%s\t", name)
	}
	for _, name := range states {
		fmt.Fprintf(tw, "d%s\t", name)
	}
	fmt.Fprintln(tw)
	for id := 0; id < n; id++ {
		fmt.Fprintf(tw, "%d\t", id)
		for i := range states {
			fmt.Fprintf(tw, "%.6g\t", state[i*n+id])
		}
		for i := range states {
			fmt.Fprintf(tw, "%.6g\t", deriv[i*n+id])
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}

func runServe(args []string) error {
	var c common
	fs := newFlagSet("serve", &c, false)
	addr := fs.String("addr", "", "override server.addr")
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, log, err := c.setup()
	if err != nil {
		return err
	}
	if *addr != "" {
		s.Server.Addr = *addr
	}

	backend, err := initComputeBackend(s.GPU, log)
	if err != nil {
		return err
	}
	defer backend.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewServer(s, backend, log).ListenAndServe(ctx)
}
