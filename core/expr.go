package core

import (
	"math"
	"regexp"
	"sort"

	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
)

// Builtins are the math functions an expression may call on every target.
// The host backend implements exactly this set.
var Builtins = []string{
	"acos", "asin", "atan", "atan2", "cos", "cosh", "exp", "fabs", "fmax",
	"fmin", "fmod", "log", "log10", "pow", "sin", "sinh", "sqrt", "tan", "tanh",
}

// NamedConstants are the predefined OpenCL C constants an expression may
// use. The _F variants and MAXFLOAT are single precision.
var NamedConstants = map[string]float64{
	"M_PI":     math.Pi,
	"M_PI_F":   float64(float32(math.Pi)),
	"M_E":      math.E,
	"M_E_F":    float64(float32(math.E)),
	"MAXFLOAT": math.MaxFloat32,
	"INFINITY": math.Inf(1),
	"NAN":      math.NaN(),
}

var floatSuffix = regexp.MustCompile(`(^|[^\w.])((?:\d+\.\d*|\.\d+|\d+)(?:[eE][+-]?\d+)?)[fF]\b`)

// PortableExpr rewrites C float literals (1.5f) into plain literals so the
// expression can be parsed outside a C compiler. Everything else is untouched.
func PortableExpr(src string) string {
	return floatSuffix.ReplaceAllString(src, "$1$2")
}

type nameCollector struct {
	vars  map[string]bool
	calls map[string]bool
}

func (c *nameCollector) Visit(node *ast.Node) {
	switch n := (*node).(type) {
	case *ast.IdentifierNode:
		c.vars[n.Value] = true
	case *ast.CallNode:
		if id, ok := n.Callee.(*ast.IdentifierNode); ok {
			c.calls[id.Value] = true
		}
	}
}

// ReferencedNames returns the variable names an expression uses, sorted.
// ok is false when the expression cannot be parsed portably; callers then
// leave validation to the target compiler.
func ReferencedNames(src string) (names []string, ok bool) {
	tree, err := parser.Parse(PortableExpr(src))
	if err != nil {
		return nil, false
	}
	c := &nameCollector{vars: map[string]bool{}, calls: map[string]bool{}}
	ast.Walk(&tree.Node, c)
	for name := range c.vars {
		if c.calls[name] {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, true
}
