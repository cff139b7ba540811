package host

import (
	"context"
	"fmt"
	"math"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"odecl/core"
	"odecl/gpu"
)

type load struct {
	name   string
	offset int
}

type step struct {
	name    string
	offset  int
	program *vm.Program
}

// compiled is a Program with every expression turned into bytecode
type compiled struct {
	program *core.Program
	consts  map[string]float64
	params  []load
	states  []load
	aux     []step
	derivs  []step
}

var (
	unaryMath = map[string]func(float64) float64{
		"acos": math.Acos, "asin": math.Asin, "atan": math.Atan,
		"cos": math.Cos, "cosh": math.Cosh, "exp": math.Exp,
		"fabs": math.Abs, "log": math.Log, "log10": math.Log10,
		"sin": math.Sin, "sinh": math.Sinh, "sqrt": math.Sqrt,
		"tan": math.Tan, "tanh": math.Tanh,
	}
	binaryMath = map[string]func(float64, float64) float64{
		"atan2": math.Atan2, "fmax": math.Max, "fmin": math.Min,
		"fmod": math.Mod, "pow": math.Pow,
	}
)

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("expression produced %T, want a number", v)
}

func mathOptions() []expr.Option {
	opts := make([]expr.Option, 0, len(unaryMath)+len(binaryMath))
	for name, f := range unaryMath {
		name, f := name, f
		opts = append(opts, expr.Function(name, func(params ...any) (any, error) {
			if len(params) != 1 {
				return nil, fmt.Errorf("%s takes 1 argument, got %d", name, len(params))
			}
			x, err := toFloat(params[0])
			if err != nil {
				return nil, err
			}
			return f(x), nil
		}))
	}
	for name, f := range binaryMath {
		name, f := name, f
		opts = append(opts, expr.Function(name, func(params ...any) (any, error) {
			if len(params) != 2 {
				return nil, fmt.Errorf("%s takes 2 arguments, got %d", name, len(params))
			}
			x, err := toFloat(params[0])
			if err != nil {
				return nil, err
			}
			y, err := toFloat(params[1])
			if err != nil {
				return nil, err
			}
			return f(x, y), nil
		}))
	}
	return opts
}

// compile turns the portable listing into bytecode. Constants are rounded
// through float32 so they match the literal a device compiler sees.
func compile(p *core.Program) (*compiled, error) {
	c := &compiled{program: p, consts: map[string]float64{}}
	env := map[string]any{}
	for name, v := range core.NamedConstants {
		c.consts[name] = v
		env[name] = v
	}

	for _, s := range p.Params {
		switch s.Op {
		case core.OpDefine:
			v := float64(float32(s.Value))
			c.consts[s.Name] = v
			env[s.Name] = v
		case core.OpLoadParam:
			c.params = append(c.params, load{name: s.Name, offset: s.Offset})
			env[s.Name] = 0.0
		default:
			return nil, gpu.NewCompileError(backendName, "Build", fmt.Sprintf("unexpected %s statement in parameter block", s.Op), "", nil)
		}
	}
	for _, s := range p.States {
		c.states = append(c.states, load{name: s.Name, offset: s.Offset})
		env[s.Name] = 0.0
	}

	opts := append(mathOptions(), expr.Env(env))
	build := func(s core.Statement) (*vm.Program, error) {
		prog, err := expr.Compile(core.PortableExpr(s.Expr), opts...)
		if err != nil {
			return nil, gpu.NewCompileError(backendName, "Build",
				fmt.Sprintf("%s %s", s.Op, s.Name), err.Error(), err)
		}
		return prog, nil
	}

	for _, s := range p.Auxiliaries {
		prog, err := build(s)
		if err != nil {
			return nil, err
		}
		c.aux = append(c.aux, step{name: s.Name, program: prog})
		env[s.Name] = 0.0
	}
	for _, s := range p.Derivatives {
		prog, err := build(s)
		if err != nil {
			return nil, err
		}
		c.derivs = append(c.derivs, step{name: s.Name, offset: s.Offset, program: prog})
	}
	return c, nil
}

// run evaluates lanes [lo, hi). Each call owns its environment and VM.
// Locals are held as float32, as on a device.
func (c *compiled) run(ctx context.Context, lo, hi, stride int, state, param, deriv []float32) error {
	env := make(map[string]any, len(c.consts)+len(c.params)+len(c.states)+len(c.aux))
	for k, v := range c.consts {
		env[k] = v
	}
	var machine vm.VM

	for id := lo; id < hi; id++ {
		if (id-lo)%256 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		for _, l := range c.params {
			env[l.name] = float64(param[l.offset*stride+id])
		}
		for _, l := range c.states {
			env[l.name] = float64(state[l.offset*stride+id])
		}
		for _, s := range c.aux {
			out, err := machine.Run(s.program, env)
			if err != nil {
				return fmt.Errorf("lane %d: %s: %w", id, s.name, err)
			}
			v, err := toFloat(out)
			if err != nil {
				return fmt.Errorf("lane %d: %s: %w", id, s.name, err)
			}
			env[s.name] = float64(float32(v))
		}
		for _, s := range c.derivs {
			out, err := machine.Run(s.program, env)
			if err != nil {
				return fmt.Errorf("lane %d: d%s: %w", id, s.name, err)
			}
			v, err := toFloat(out)
			if err != nil {
				return fmt.Errorf("lane %d: d%s: %w", id, s.name, err)
			}
			deriv[s.offset*stride+id] = float32(v)
		}
	}
	return nil
}
