//go:build linux || darwin

// Package opencl runs generated kernels on an OpenCL device. The driver is
// loaded at runtime, so binaries build and start on machines without one.
package opencl

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unsafe"

	"odecl/core"
	"odecl/gpu"
)

const backendName = "opencl"

// Backend owns one OpenCL context and in-order command queue
type Backend struct {
	mu       sync.Mutex
	platform uintptr
	device   uintptr
	context  uintptr
	queue    uintptr
	info     gpu.DeviceInfo
	options  string
	log      *slog.Logger
}

type settings struct {
	preference string
	options    string
	log        *slog.Logger
}

// Option configures a Backend
type Option func(*settings)

// WithDevice selects "gpu", "cpu" or "any". "gpu" falls back to a CPU device
// when no GPU is present.
func WithDevice(pref string) Option {
	return func(s *settings) { s.preference = strings.ToLower(pref) }
}

// WithBuildOptions passes compiler flags to clBuildProgram
func WithBuildOptions(opts string) Option {
	return func(s *settings) { s.options = opts }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.log = l
		}
	}
}

func deviceError(op, msg string, err error) error {
	return gpu.NewDeviceError(backendName, op, msg, err)
}

func unavailable(msg string, err error) error {
	if err == nil {
		return gpu.NewDeviceError(backendName, "New", msg, gpu.ErrUnavailable)
	}
	return gpu.NewDeviceError(backendName, "New", msg, fmt.Errorf("%w: %v", gpu.ErrUnavailable, err))
}

// New opens the first device matching the preference. When the driver or a
// device is missing the error wraps gpu.ErrUnavailable.
func New(opts ...Option) (*Backend, error) {
	s := settings{preference: "gpu", log: slog.Default()}
	for _, opt := range opts {
		opt(&s)
	}
	if err := loadLibrary(); err != nil {
		return nil, unavailable("driver not found", err)
	}

	var order []uint64
	switch s.preference {
	case "gpu", "":
		order = []uint64{clDeviceTypeGPU, clDeviceTypeCPU}
	case "cpu":
		order = []uint64{clDeviceTypeCPU}
	case "any":
		order = []uint64{clDeviceTypeAll}
	default:
		return nil, deviceError("New", fmt.Sprintf("unknown device preference %q", s.preference), nil)
	}

	platforms, err := platformIDs()
	if err != nil {
		return nil, unavailable("no platforms", err)
	}

	b := &Backend{options: s.options, log: s.log}
	for i, kind := range order {
		for _, p := range platforms {
			devices, err := deviceIDs(p, kind)
			if err != nil || len(devices) == 0 {
				continue
			}
			b.platform, b.device = p, devices[0]
			break
		}
		if b.device != 0 {
			if i > 0 {
				s.log.Warn("no OpenCL GPU found, using CPU device")
			}
			break
		}
	}
	if b.device == 0 {
		return nil, unavailable(fmt.Sprintf("no %s device", s.preference), nil)
	}

	var st clStatus
	b.context = clCreateContext(nil, 1, &b.device, 0, 0, &st)
	if st != clSuccess {
		return nil, deviceError("clCreateContext", "context creation failed", st)
	}
	b.queue = clCreateCommandQueue(b.context, b.device, 0, &st)
	if st != clSuccess {
		clReleaseContext(b.context)
		return nil, deviceError("clCreateCommandQueue", "queue creation failed", st)
	}
	b.info = describeDevice(b.device)

	s.log.Info("OpenCL backend ready", "device", b.info.Name, "vendor", b.info.Vendor, "type", b.info.Type)
	return b, nil
}

func describeDevice(device uintptr) gpu.DeviceInfo {
	info := gpu.DeviceInfo{
		Name:    deviceString(device, clDeviceName),
		Vendor:  deviceString(device, clDeviceVendor),
		Version: deviceString(device, clDeviceVersion),
		Type:    gpu.DeviceTypeUnknown,
	}
	var kind uint64
	if clGetDeviceInfo(device, clDeviceType, unsafe.Sizeof(kind), unsafe.Pointer(&kind), nil) == clSuccess {
		switch {
		case kind&clDeviceTypeGPU != 0:
			info.Type = gpu.DeviceTypeGPU
		case kind&clDeviceTypeCPU != 0:
			info.Type = gpu.DeviceTypeCPU
		case kind&clDeviceTypeAccelerator != 0:
			info.Type = gpu.DeviceTypeAccelerator
		case kind&clDeviceTypeDefault != 0:
			info.Type = gpu.DeviceTypeDefault
		}
	}
	var units uint32
	if clGetDeviceInfo(device, clDeviceMaxComputeUnits, unsafe.Sizeof(units), unsafe.Pointer(&units), nil) == clSuccess {
		info.MaxComputeUnits = units
	}
	if ext := deviceString(device, clDeviceExtensions); ext != "" {
		info.Features = strings.Fields(ext)
	}
	return info
}

// Platforms lists every OpenCL platform and its devices
func Platforms() ([]gpu.PlatformInfo, error) {
	if err := loadLibrary(); err != nil {
		return nil, unavailable("driver not found", err)
	}
	ids, err := platformIDs()
	if err != nil {
		return nil, unavailable("no platforms", err)
	}
	out := make([]gpu.PlatformInfo, 0, len(ids))
	for _, p := range ids {
		pi := gpu.PlatformInfo{
			Name:    platformString(p, clPlatformName),
			Vendor:  platformString(p, clPlatformVendor),
			Version: platformString(p, clPlatformVersion),
		}
		devices, _ := deviceIDs(p, clDeviceTypeAll)
		for _, d := range devices {
			pi.Devices = append(pi.Devices, describeDevice(d))
		}
		out = append(out, pi)
	}
	return out, nil
}

func (b *Backend) Name() string           { return backendName }
func (b *Backend) Device() gpu.DeviceInfo { return b.info }
func (b *Backend) Target() string         { return core.TargetOpenCL }

// Cleanup releases the queue and context. Buffers and modules must be
// released first.
func (b *Backend) Cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.queue != 0 {
		clFinish(b.queue)
		clReleaseCommandQueue(b.queue)
		b.queue = 0
	}
	if b.context != 0 {
		clReleaseContext(b.context)
		b.context = 0
	}
}

func (b *Backend) buildLog(program uintptr) string {
	return infoString(func(p uint32, size uintptr, v unsafe.Pointer, r *uintptr) clStatus {
		return clGetProgramBuildInfo(program, b.device, p, size, v, r)
	}, clProgramBuildLog)
}

// Build compiles OpenCL C source. A failed build returns a compile error
// carrying the compiler log.
func (b *Backend) Build(ctx context.Context, src gpu.Source) (m gpu.Module, err error) {
	defer func() { gpu.RecordBuild(backendName, err) }()
	if err := ctx.Err(); err != nil {
		return nil, gpu.NewCompileError(backendName, "Build", "cancelled", "", err)
	}
	if src.Target != "" && src.Target != core.TargetOpenCL {
		return nil, gpu.NewCompileError(backendName, "Build", fmt.Sprintf("source is %s, need %s", src.Target, core.TargetOpenCL), "", nil)
	}
	if strings.TrimSpace(src.Text) == "" {
		return nil, gpu.NewCompileError(backendName, "Build", "empty source", "", nil)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	text := cString(src.Text)
	textPtr := &text[0]
	length := uintptr(len(src.Text))
	var st clStatus
	program := clCreateProgramWithSource(b.context, 1, unsafe.Pointer(&textPtr), &length, &st)
	if st != clSuccess {
		return nil, gpu.NewCompileError(backendName, "clCreateProgramWithSource", "program creation failed", "", st)
	}

	var opts *byte
	if b.options != "" {
		o := cString(b.options)
		opts = &o[0]
	}
	if st := clBuildProgram(program, 1, &b.device, opts, 0, 0); st != clSuccess {
		log := b.buildLog(program)
		clReleaseProgram(program)
		return nil, gpu.NewCompileError(backendName, "clBuildProgram", "build failed", log, st)
	}

	mod := &module{backend: b, program: program, kernels: map[string]uintptr{}}
	for _, name := range src.EntryPoints {
		cname := cString(name)
		k := clCreateKernel(program, &cname[0], &st)
		if st != clSuccess {
			mod.releaseLocked()
			return nil, gpu.NewCompileError(backendName, "clCreateKernel", fmt.Sprintf("entry point %q", name), "", st)
		}
		mod.kernels[name] = k
	}
	b.log.Debug("OpenCL program built", "entry_points", src.EntryPoints, "bytes", len(src.Text))
	return mod, nil
}

type module struct {
	backend *Backend
	program uintptr
	kernels map[string]uintptr
}

func (m *module) Kernel(name string) (gpu.Kernel, error) {
	m.backend.mu.Lock()
	defer m.backend.mu.Unlock()
	k, ok := m.kernels[name]
	if !ok {
		return nil, gpu.NewCompileError(backendName, "Kernel", fmt.Sprintf("no kernel named %q", name), "", nil)
	}
	return &kernel{backend: m.backend, name: name, handle: k}, nil
}

func (m *module) releaseLocked() {
	for name, k := range m.kernels {
		clReleaseKernel(k)
		delete(m.kernels, name)
	}
	if m.program != 0 {
		clReleaseProgram(m.program)
		m.program = 0
	}
}

func (m *module) Release() {
	m.backend.mu.Lock()
	defer m.backend.mu.Unlock()
	m.releaseLocked()
}

type kernel struct {
	backend *Backend
	name    string
	handle  uintptr
}

func (k *kernel) Name() string { return k.name }

func (k *kernel) setArg(i int, arg any) error {
	var st clStatus
	switch v := arg.(type) {
	case int32:
		st = clSetKernelArg(k.handle, uint32(i), unsafe.Sizeof(v), unsafe.Pointer(&v))
	case int:
		x := int32(v)
		st = clSetKernelArg(k.handle, uint32(i), unsafe.Sizeof(x), unsafe.Pointer(&x))
	case float32:
		st = clSetKernelArg(k.handle, uint32(i), unsafe.Sizeof(v), unsafe.Pointer(&v))
	case *buffer:
		if v.mem == 0 {
			return fmt.Errorf("argument %d: buffer %s released", i, v.name)
		}
		mem := v.mem
		st = clSetKernelArg(k.handle, uint32(i), unsafe.Sizeof(mem), unsafe.Pointer(&mem))
	default:
		return fmt.Errorf("argument %d: unsupported type %T", i, arg)
	}
	if st != clSuccess {
		return fmt.Errorf("argument %d: %w", i, st)
	}
	return nil
}

// Launch enqueues global work items and waits for completion
func (k *kernel) Launch(ctx context.Context, global int, args ...any) (err error) {
	start := time.Now()
	defer func() { gpu.RecordLaunch(backendName, k.name, start, err) }()

	if err := ctx.Err(); err != nil {
		return gpu.NewExecutionError(backendName, "Launch", "cancelled", err)
	}
	if global < 0 {
		return gpu.NewExecutionError(backendName, "Launch", fmt.Sprintf("negative global size %d", global), nil)
	}

	b := k.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, arg := range args {
		if err := k.setArg(i, arg); err != nil {
			return gpu.NewExecutionError(backendName, "clSetKernelArg", k.name, err)
		}
	}
	if global == 0 {
		return nil
	}
	size := uintptr(global)
	if st := clEnqueueNDRangeKernel(b.queue, k.handle, 1, nil, &size, nil, 0, nil, nil); st != clSuccess {
		return gpu.NewExecutionError(backendName, "clEnqueueNDRangeKernel", k.name, st)
	}
	if st := clFinish(b.queue); st != clSuccess {
		return gpu.NewExecutionError(backendName, "clFinish", k.name, st)
	}
	return nil
}

type buffer struct {
	backend *Backend
	name    string
	shape   []int
	strides []int
	dtype   gpu.DType
	size    int
	mem     uintptr
}

// Alloc creates a zero-filled read-write device buffer
func (b *Backend) Alloc(ctx context.Context, name string, shape []int, dtype gpu.DType) (gpu.Buffer, error) {
	if dtype.Size() == 0 {
		err := gpu.NewAllocationError(backendName, "Alloc", fmt.Sprintf("buffer %s: unsupported dtype %s", name, dtype), nil)
		gpu.RecordAlloc(backendName, 0, err)
		return nil, err
	}
	for _, d := range shape {
		if d < 0 {
			err := gpu.NewAllocationError(backendName, "Alloc", fmt.Sprintf("buffer %s: negative extent in %v", name, shape), nil)
			gpu.RecordAlloc(backendName, 0, err)
			return nil, err
		}
	}
	n := gpu.NumElements(shape)
	buf := &buffer{
		backend: b,
		name:    name,
		shape:   append([]int(nil), shape...),
		strides: gpu.RowMajorStrides(shape),
		dtype:   dtype,
		size:    n,
	}
	bytes := max(n*dtype.Size(), dtype.Size())
	zero := make([]byte, bytes)

	b.mu.Lock()
	var st clStatus
	buf.mem = clCreateBuffer(b.context, clMemReadWrite, uintptr(bytes), nil, &st)
	if st == clSuccess {
		st = clEnqueueWriteBuffer(b.queue, buf.mem, clTrue, 0, uintptr(bytes), unsafe.Pointer(&zero[0]), 0, nil, nil)
		if st != clSuccess {
			clReleaseMemObject(buf.mem)
		}
	}
	b.mu.Unlock()

	if st != clSuccess {
		err := gpu.NewAllocationError(backendName, "clCreateBuffer", fmt.Sprintf("buffer %s (%d bytes)", name, bytes), st)
		gpu.RecordAlloc(backendName, 0, err)
		return nil, err
	}
	gpu.RecordAlloc(backendName, bytes, nil)
	return buf, nil
}

func (c *buffer) Name() string     { return c.name }
func (c *buffer) Shape() []int     { return append([]int(nil), c.shape...) }
func (c *buffer) Strides() []int   { return append([]int(nil), c.strides...) }
func (c *buffer) DType() gpu.DType { return c.dtype }
func (c *buffer) Len() int         { return c.size }

func (c *buffer) transfer(op string, p []byte, write bool) error {
	if c.mem == 0 {
		return gpu.NewExecutionError(backendName, op, fmt.Sprintf("buffer %s released", c.name), nil)
	}
	want := c.size * c.dtype.Size()
	if len(p) != want {
		return gpu.NewExecutionError(backendName, op, fmt.Sprintf("buffer %s is %d bytes, got %d", c.name, want, len(p)), nil)
	}
	if want == 0 {
		return nil
	}
	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	var st clStatus
	if write {
		st = clEnqueueWriteBuffer(b.queue, c.mem, clTrue, 0, uintptr(want), unsafe.Pointer(&p[0]), 0, nil, nil)
	} else {
		st = clEnqueueReadBuffer(b.queue, c.mem, clTrue, 0, uintptr(want), unsafe.Pointer(&p[0]), 0, nil, nil)
	}
	if st != clSuccess {
		return gpu.NewExecutionError(backendName, op, c.name, st)
	}
	return nil
}

func (c *buffer) WriteBytes(ctx context.Context, src []byte) error {
	return c.transfer("WriteBytes", src, true)
}

func (c *buffer) ReadBytes(ctx context.Context, dst []byte) error {
	return c.transfer("ReadBytes", dst, false)
}

func (c *buffer) Release() {
	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.mem == 0 {
		return
	}
	clReleaseMemObject(c.mem)
	c.mem = 0
	gpu.RecordAlloc(backendName, -max(c.size*c.dtype.Size(), c.dtype.Size()), nil)
}
