package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"odecl/gpu"
	"odecl/gpu/glcompute"
	"odecl/gpu/host"
	"odecl/gpu/opencl"
)

func main() {
	verbose := flag.Bool("v", false, "list device extensions")
	flag.Parse()

	fmt.Println("=== Compute Devices ===")
	fmt.Println()

	fmt.Println("Host:")
	printDevice(host.New().Device(), *verbose)
	fmt.Println()

	if b, err := glcompute.New(); err != nil {
		fmt.Printf("OpenGL compute: unavailable (%v)\n\n", err)
	} else {
		fmt.Println("OpenGL compute:")
		printDevice(b.Device(), *verbose)
		fmt.Println()
		b.Cleanup()
	}

	platforms, err := opencl.Platforms()
	switch {
	case errors.Is(err, gpu.ErrUnavailable):
		fmt.Printf("OpenCL: unavailable (%v)\n", err)
		return
	case err != nil:
		fmt.Fprintf(os.Stderr, "OpenCL: %v\n", err)
		os.Exit(1)
	}

	for i, p := range platforms {
		fmt.Printf("OpenCL platform %d: %s\n", i, p.Name)
		fmt.Printf("  Vendor:  %s\n", p.Vendor)
		fmt.Printf("  Version: %s\n", p.Version)
		if len(p.Devices) == 0 {
			fmt.Println("  (no devices)")
		}
		for _, d := range p.Devices {
			printDevice(d, *verbose)
		}
		fmt.Println()
	}
}

func printDevice(d gpu.DeviceInfo, verbose bool) {
	fmt.Printf("  - %s\n", d.Name)
	fmt.Printf("    Type:          %s\n", d.Type)
	fmt.Printf("    Vendor:        %s\n", d.Vendor)
	fmt.Printf("    Version:       %s\n", d.Version)
	fmt.Printf("    Compute units: %d\n", d.MaxComputeUnits)
	if verbose {
		for _, f := range d.Features {
			fmt.Printf("      %s\n", f)
		}
	} else if len(d.Features) > 0 {
		fmt.Printf("    Features:      %d (use -v to list)\n", len(d.Features))
	}
}
