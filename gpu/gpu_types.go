package gpu

import (
	"fmt"
	"strings"
)

// DType is the element type of a device buffer
type DType uint8

const (
	Float32 DType = iota
	Int32
)

// Size returns the element size in bytes
func (d DType) Size() int {
	switch d {
	case Float32, Int32:
		return 4
	default:
		return 0
	}
}

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Int32:
		return "int32"
	default:
		return fmt.Sprintf("dtype(%d)", uint8(d))
	}
}

// ParseDType accepts the numpy-style codes "f"/"i" as well as full names
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(s) {
	case "f", "f4", "float", "float32":
		return Float32, nil
	case "i", "i4", "int", "int32":
		return Int32, nil
	}
	return 0, fmt.Errorf("unknown dtype %q", s)
}

// Dim is one buffer dimension: either a literal extent or a reference to a
// value supplied when the binding is initialised.
type Dim struct {
	n   int
	ref string
}

// Literal is a fixed extent
func Literal(n int) Dim { return Dim{n: n} }

// RuntimeRef is an extent looked up by name at allocation time
func RuntimeRef(name string) Dim { return Dim{ref: name} }

// IsRef reports whether the dimension is resolved at runtime
func (d Dim) IsRef() bool { return d.ref != "" }

// Resolve returns the concrete extent of d
func (d Dim) Resolve(dims map[string]int) (int, error) {
	if !d.IsRef() {
		if d.n < 0 {
			return 0, fmt.Errorf("%w: negative extent %d", ErrUnresolvedDim, d.n)
		}
		return d.n, nil
	}
	n, ok := dims[d.ref]
	if !ok {
		return 0, fmt.Errorf("%w: no value for %q", ErrUnresolvedDim, d.ref)
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: %q resolved to %d", ErrUnresolvedDim, d.ref, n)
	}
	return n, nil
}

func (d Dim) String() string {
	if d.IsRef() {
		return d.ref
	}
	return fmt.Sprint(d.n)
}

// Shape is an ordered list of dimensions, outermost first
type Shape []Dim

// Resolve substitutes every runtime reference
func (s Shape) Resolve(dims map[string]int) ([]int, error) {
	out := make([]int, len(s))
	for i, d := range s {
		n, err := d.Resolve(dims)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = d.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// BufferDecl declares one named array a binding must allocate
type BufferDecl struct {
	Name  string
	Shape Shape
	DType DType
}

// RowMajorStrides returns element strides for a C-ordered array of shape
func RowMajorStrides(shape []int) []int {
	strides := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= shape[i]
	}
	return strides
}

// NumElements is the product of the extents
func NumElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// DeviceType describes the class of a compute device
type DeviceType string

const (
	DeviceTypeGPU         DeviceType = "GPU"
	DeviceTypeCPU         DeviceType = "CPU"
	DeviceTypeAccelerator DeviceType = "Accelerator"
	DeviceTypeDefault     DeviceType = "Default"
	DeviceTypeUnknown     DeviceType = "Unknown"
)

// DeviceInfo captures metadata about the device a backend runs on
type DeviceInfo struct {
	Name            string
	Vendor          string
	Version         string
	Type            DeviceType
	MaxComputeUnits uint32
	Features        []string
}

func (d DeviceInfo) String() string {
	s := fmt.Sprintf("%s (%s, %s, %d compute units)", d.Name, d.Type, d.Vendor, d.MaxComputeUnits)
	if len(d.Features) > 0 {
		s += " [" + strings.Join(d.Features, " ") + "]"
	}
	return s
}

// PlatformInfo captures metadata about a platform and its devices
type PlatformInfo struct {
	Name    string
	Vendor  string
	Version string
	Devices []DeviceInfo
}
