package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"time"

	"odecl/core"
	"odecl/gpu"
	"odecl/gpu/glcompute"
	"odecl/gpu/host"
	"odecl/gpu/opencl"
	"odecl/models"
	"odecl/simulation"
)

func openBackend(name string) (gpu.Backend, error) {
	switch name {
	case "host":
		return host.New(), nil
	case "opencl":
		return opencl.New()
	case "gl":
		return glcompute.New()
	}
	return nil, fmt.Errorf("unknown backend %q", name)
}

func main() {
	backendName := flag.String("backend", "host", "host, opencl or gl")
	model := flag.String("builtin", "hindmarsh_rose", "built-in model")
	n := flag.Int("n", 1<<16, "instances")
	iters := flag.Int("iters", 100, "launches to time")
	flag.Parse()

	runtime.LockOSThread()
	if err := run(*backendName, *model, *n, *iters); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(backendName, model string, n, iters int) error {
	ctx := context.Background()
	fmt.Println("=== Performance Test ===")

	backend, err := openBackend(backendName)
	if err != nil {
		return err
	}
	defer backend.Cleanup()
	fmt.Printf("Backend: %s (%s)\n", backend.Name(), backend.Device().Name)

	spec, err := models.Get(model)
	if err != nil {
		return err
	}

	// Test 1: Generation
	start := time.Now()
	k, err := core.Generate(spec, core.WithTarget(backend.Target()))
	if err != nil {
		return err
	}
	fmt.Printf("Kernel generation: %.3fms (%d bytes)\n", ms(time.Since(start)), len(k.Source))

	// Test 2: Build and allocation
	start = time.Now()
	ens, err := simulation.New(ctx, backend, k, simulation.Options{Instances: n})
	if err != nil {
		return err
	}
	defer ens.Close()
	fmt.Printf("Build and bind: %.3fms\n", ms(time.Since(start)))

	// Test 3: Upload
	rng := rand.New(rand.NewSource(1))
	state := make([]float32, k.Program.NumStates()*n)
	param := make([]float32, k.Program.NumRuntimeParams()*n)
	for i := range state {
		state[i] = rng.Float32()
	}
	for i := range param {
		param[i] = rng.Float32()
	}
	start = time.Now()
	if err := ens.SetState(ctx, state); err != nil {
		return err
	}
	if err := ens.SetParams(ctx, param); err != nil {
		return err
	}
	fmt.Printf("Upload: %.3fms\n", ms(time.Since(start)))

	// Test 4: Evaluation
	start = time.Now()
	for i := 0; i < iters; i++ {
		if err := ens.Evaluate(ctx); err != nil {
			return err
		}
	}
	elapsed := time.Since(start)
	fmt.Printf("Evaluate: %.3fms per launch, %.1fM instances/s\n",
		ms(elapsed)/float64(iters), float64(n*iters)/elapsed.Seconds()/1e6)

	// Test 5: Readback
	start = time.Now()
	if _, err := ens.Derivatives(ctx); err != nil {
		return err
	}
	fmt.Printf("Readback: %.3fms\n", ms(time.Since(start)))

	fmt.Println("\n=== Test Complete ===")
	return nil
}

func ms(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }
