package core

// EntryPoint is the name of the single kernel every generated program exposes
const EntryPoint = "dfun"

// Op identifies the kind of a generated statement
type Op uint8

const (
	OpLaneID     Op = iota // bind the lane index
	OpDefine               // Name is a compile-time literal Value
	OpLoadParam            // Name = param[Offset*stride + id]
	OpLoadState            // Name = state[Offset*stride + id]
	OpAux                  // Name = Expr
	OpStoreDeriv           // deriv[Offset*stride + id] = Expr
)

func (op Op) String() string {
	switch op {
	case OpLaneID:
		return "lane"
	case OpDefine:
		return "define"
	case OpLoadParam:
		return "load_param"
	case OpLoadState:
		return "load_state"
	case OpAux:
		return "aux"
	case OpStoreDeriv:
		return "store_deriv"
	default:
		return "unknown"
	}
}

// Statement is one line of the kernel body, independent of target syntax
type Statement struct {
	Op     Op
	Name   string
	Offset int
	Value  float64
	Expr   string
}

// Program is the ordered statement listing for one dfun kernel.
// Every load and store addresses Offset*stride + id, so lanes never share
// memory.
type Program struct {
	EntryPoint  string
	Lane        Statement
	Params      []Statement
	States      []Statement
	Auxiliaries []Statement
	Derivatives []Statement
}

// Blocks returns the body blocks in emission order
func (p *Program) Blocks() [][]Statement {
	return [][]Statement{p.Params, p.States, p.Auxiliaries, p.Derivatives}
}

// NumStates is the number of state rows the program reads and writes
func (p *Program) NumStates() int { return len(p.States) }

// NumRuntimeParams is the number of param rows the program reads
func (p *Program) NumRuntimeParams() int {
	n := 0
	for _, s := range p.Params {
		if s.Op == OpLoadParam {
			n++
		}
	}
	return n
}

// BuildProgram lowers a validated ModelSpec to a statement listing.
// It does not validate; call Validate first.
func BuildProgram(spec *ModelSpec) *Program {
	p := &Program{
		EntryPoint:  EntryPoint,
		Lane:        Statement{Op: OpLaneID, Name: "id"},
		Params:      make([]Statement, 0, len(spec.Parameters)),
		States:      make([]Statement, 0, len(spec.StateDerivatives)),
		Auxiliaries: make([]Statement, 0, len(spec.Auxiliaries)),
		Derivatives: make([]Statement, 0, len(spec.StateDerivatives)),
	}

	offset := 0
	for _, name := range spec.Parameters {
		if v, ok := spec.Constants[name]; ok {
			p.Params = append(p.Params, Statement{Op: OpDefine, Name: name, Value: v})
			continue
		}
		p.Params = append(p.Params, Statement{Op: OpLoadParam, Name: name, Offset: offset})
		offset++
	}

	for i, d := range spec.StateDerivatives {
		p.States = append(p.States, Statement{Op: OpLoadState, Name: d.State, Offset: i})
	}

	for _, a := range spec.Auxiliaries {
		p.Auxiliaries = append(p.Auxiliaries, Statement{Op: OpAux, Name: a.Name, Expr: a.Expr})
	}

	for i, d := range spec.StateDerivatives {
		p.Derivatives = append(p.Derivatives, Statement{Op: OpStoreDeriv, Name: d.State, Offset: i, Expr: d.Expr})
	}
	return p
}
