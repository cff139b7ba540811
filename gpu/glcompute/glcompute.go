//go:build glcompute

// Package glcompute runs generated GLSL kernels as OpenGL 4.3 compute
// shaders. A hidden glfw window provides the context; every GL call runs on
// one OS-locked goroutine that owns it.
package glcompute

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/go-gl/gl/v4.3-core/gl"
	"github.com/go-gl/glfw/v3.3/glfw"

	"odecl/core"
	"odecl/gpu"
)

const backendName = "gl"

// Backend owns the GL context and the goroutine it is current on
type Backend struct {
	mu        sync.RWMutex
	closed    bool
	calls     chan func()
	done      chan struct{}
	window    *glfw.Window
	info      gpu.DeviceInfo
	maxGroups int
	log       *slog.Logger
}

// Option configures a Backend
type Option func(*Backend)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) {
		if l != nil {
			b.log = l
		}
	}
}

func unavailable(msg string, err error) error {
	return gpu.NewDeviceError(backendName, "New", msg, fmt.Errorf("%w: %v", gpu.ErrUnavailable, err))
}

// New creates the context. Without a display or a 4.3 driver the error
// wraps gpu.ErrUnavailable.
func New(opts ...Option) (*Backend, error) {
	b := &Backend{
		calls: make(chan func()),
		done:  make(chan struct{}),
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}

	ready := make(chan error, 1)
	go b.loop(ready)
	if err := <-ready; err != nil {
		return nil, err
	}
	b.log.Info("GL compute backend ready", "renderer", b.info.Name, "version", b.info.Version)
	return b, nil
}

func (b *Backend) loop(ready chan<- error) {
	runtime.LockOSThread()
	defer close(b.done)

	if err := b.initContext(); err != nil {
		ready <- err
		return
	}
	ready <- nil
	for fn := range b.calls {
		fn()
	}
	b.window.Destroy()
	glfw.Terminate()
}

func (b *Backend) initContext() error {
	if err := glfw.Init(); err != nil {
		return unavailable("glfw init failed", err)
	}
	glfw.WindowHint(glfw.Visible, glfw.False)
	glfw.WindowHint(glfw.ContextVersionMajor, 4)
	glfw.WindowHint(glfw.ContextVersionMinor, 3)
	glfw.WindowHint(glfw.OpenGLProfile, glfw.OpenGLCoreProfile)
	glfw.WindowHint(glfw.OpenGLForwardCompatible, glfw.True)

	window, err := glfw.CreateWindow(1, 1, "odecl", nil, nil)
	if err != nil {
		glfw.Terminate()
		return unavailable("no OpenGL 4.3 context", err)
	}
	window.MakeContextCurrent()
	if err := gl.Init(); err != nil {
		window.Destroy()
		glfw.Terminate()
		return unavailable("gl init failed", err)
	}
	b.window = window

	var groups int32
	gl.GetIntegeri_v(gl.MAX_COMPUTE_WORK_GROUP_COUNT, 0, &groups)
	b.maxGroups = int(groups)

	b.info = gpu.DeviceInfo{
		Name:    gl.GoStr(gl.GetString(gl.RENDERER)),
		Vendor:  gl.GoStr(gl.GetString(gl.VENDOR)),
		Version: gl.GoStr(gl.GetString(gl.VERSION)),
		Type:    gpu.DeviceTypeGPU,
	}
	var n int32
	gl.GetIntegerv(gl.NUM_EXTENSIONS, &n)
	for i := int32(0); i < n; i++ {
		b.info.Features = append(b.info.Features, gl.GoStr(gl.GetStringi(gl.EXTENSIONS, uint32(i))))
	}
	return nil
}

// do runs fn on the context goroutine and waits for it
func (b *Backend) do(op string, fn func() error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return gpu.NewDeviceError(backendName, op, "backend closed", nil)
	}
	errc := make(chan error, 1)
	b.calls <- func() { errc <- fn() }
	return <-errc
}

func (b *Backend) Name() string           { return backendName }
func (b *Backend) Device() gpu.DeviceInfo { return b.info }
func (b *Backend) Target() string         { return core.TargetGLSL }

// Cleanup destroys the context. Buffers and modules must be released first.
func (b *Backend) Cleanup() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.calls)
	b.mu.Unlock()
	<-b.done
}

// compileComputeShader compiles and links one compute program. The info log
// is returned with any failure.
func compileComputeShader(source string) (uint32, string, error) {
	shader := gl.CreateShader(gl.COMPUTE_SHADER)
	defer gl.DeleteShader(shader)

	csource, free := gl.Strs(source + "\x00")
	gl.ShaderSource(shader, 1, csource, nil)
	free()
	gl.CompileShader(shader)

	var status int32
	gl.GetShaderiv(shader, gl.COMPILE_STATUS, &status)
	if status == gl.FALSE {
		var logLength int32
		gl.GetShaderiv(shader, gl.INFO_LOG_LENGTH, &logLength)
		log := strings.Repeat("\x00", int(logLength+1))
		gl.GetShaderInfoLog(shader, logLength, nil, gl.Str(log))
		return 0, strings.TrimRight(log, "\x00"), fmt.Errorf("compute shader compilation failed")
	}

	program := gl.CreateProgram()
	gl.AttachShader(program, shader)
	gl.LinkProgram(program)

	gl.GetProgramiv(program, gl.LINK_STATUS, &status)
	if status == gl.FALSE {
		var logLength int32
		gl.GetProgramiv(program, gl.INFO_LOG_LENGTH, &logLength)
		log := strings.Repeat("\x00", int(logLength+1))
		gl.GetProgramInfoLog(program, logLength, nil, gl.Str(log))
		gl.DeleteProgram(program)
		return 0, strings.TrimRight(log, "\x00"), fmt.Errorf("compute program link failed")
	}
	return program, "", nil
}

// Build compiles GLSL source. A shader has a single main, so the source
// must declare exactly one entry point.
func (b *Backend) Build(ctx context.Context, src gpu.Source) (m gpu.Module, err error) {
	defer func() { gpu.RecordBuild(backendName, err) }()

	if src.Target != core.TargetGLSL {
		return nil, gpu.NewCompileError(backendName, "Build", fmt.Sprintf("expected %s source, got %q", core.TargetGLSL, src.Target), "", nil)
	}
	if len(src.EntryPoints) != 1 {
		return nil, gpu.NewCompileError(backendName, "Build", fmt.Sprintf("a compute shader has one entry point, got %d", len(src.EntryPoints)), "", nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, gpu.NewCompileError(backendName, "Build", "cancelled", "", err)
	}

	mod := &module{backend: b, entry: src.EntryPoints[0]}
	err = b.do("Build", func() error {
		program, log, err := compileComputeShader(src.Text)
		if err != nil {
			return gpu.NewCompileError(backendName, "glCompileShader", mod.entry, log, err)
		}
		mod.program = program
		mod.stride = gl.GetUniformLocation(program, gl.Str("stride\x00"))
		mod.lanes = gl.GetUniformLocation(program, gl.Str("lanes\x00"))
		return nil
	})
	if err != nil {
		return nil, err
	}
	b.log.Debug("compute shader built", "entry", mod.entry, "bytes", len(src.Text))
	return mod, nil
}

type module struct {
	backend *Backend
	entry   string
	program uint32
	stride  int32
	lanes   int32
}

func (m *module) Kernel(name string) (gpu.Kernel, error) {
	if name != m.entry {
		return nil, gpu.NewCompileError(backendName, "Kernel", fmt.Sprintf("no entry point %q", name), "", nil)
	}
	return &kernel{module: m}, nil
}

func (m *module) Release() {
	m.backend.do("Release", func() error {
		if m.program != 0 {
			gl.DeleteProgram(m.program)
			m.program = 0
		}
		return nil
	})
}

type kernel struct {
	module *module
}

func (k *kernel) Name() string { return k.module.entry }

// Launch runs global lanes. The first argument is the stride; the buffers
// that follow bind to storage bindings 0, 1, 2, ... in order.
func (k *kernel) Launch(ctx context.Context, global int, args ...any) (err error) {
	start := time.Now()
	defer func() { gpu.RecordLaunch(backendName, k.Name(), start, err) }()

	if err := ctx.Err(); err != nil {
		return gpu.NewExecutionError(backendName, "Launch", "cancelled", err)
	}
	if global < 0 {
		return gpu.NewExecutionError(backendName, "Launch", fmt.Sprintf("negative global size %d", global), nil)
	}
	if len(args) == 0 {
		return gpu.NewExecutionError(backendName, "Launch", "missing stride argument", nil)
	}
	var stride int32
	switch v := args[0].(type) {
	case int32:
		stride = v
	case int:
		stride = int32(v)
	default:
		return gpu.NewExecutionError(backendName, "Launch", fmt.Sprintf("argument 0: stride must be an integer, got %T", args[0]), nil)
	}
	ids := make([]uint32, 0, len(args)-1)
	for i, arg := range args[1:] {
		buf, ok := arg.(*buffer)
		if !ok {
			return gpu.NewExecutionError(backendName, "Launch", fmt.Sprintf("argument %d: unsupported type %T", i+1, arg), nil)
		}
		if buf.id == 0 {
			return gpu.NewExecutionError(backendName, "Launch", fmt.Sprintf("argument %d: buffer %s released", i+1, buf.name), nil)
		}
		ids = append(ids, buf.id)
	}

	groups := (global + core.GLSLLocalSize - 1) / core.GLSLLocalSize
	m := k.module
	if m.backend.maxGroups > 0 && groups > m.backend.maxGroups {
		return gpu.NewExecutionError(backendName, "Launch", fmt.Sprintf("%d work groups exceed the device limit %d", groups, m.backend.maxGroups), nil)
	}
	if groups == 0 {
		return nil
	}

	return m.backend.do("Launch", func() error {
		if m.program == 0 {
			return gpu.NewExecutionError(backendName, "Launch", "module released", nil)
		}
		gl.UseProgram(m.program)
		gl.Uniform1i(m.stride, stride)
		gl.Uniform1i(m.lanes, int32(global))
		for binding, id := range ids {
			gl.BindBufferBase(gl.SHADER_STORAGE_BUFFER, uint32(binding), id)
		}
		gl.DispatchCompute(uint32(groups), 1, 1)
		gl.MemoryBarrier(gl.SHADER_STORAGE_BARRIER_BIT | gl.BUFFER_UPDATE_BARRIER_BIT)
		gl.Finish()
		if code := gl.GetError(); code != gl.NO_ERROR {
			return gpu.NewExecutionError(backendName, "glDispatchCompute", k.Name(), fmt.Errorf("GL error 0x%x", code))
		}
		return nil
	})
}
