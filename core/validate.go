package core

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// reservedNames collide with kernel arguments, the lane variable or keywords
// the template itself emits.
var reservedNames = map[string]bool{
	"id": true, "stride": true, "state": true, "param": true, "input": true, "deriv": true,
	"int": true, "float": true, "double": true, "void": true, "return": true,
	"if": true, "else": true, "for": true, "while": true, "do": true,
	"kernel": true, "global": true, "__kernel": true, "__global": true, "__global__": true,
	"const": true, "define": true,
}

// Validate checks the structural invariants of a ModelSpec. It returns the
// first violation found, scanning parameters, constants, states, auxiliaries
// and then expressions, so the same spec always yields the same error.
func Validate(spec *ModelSpec) error {
	if len(spec.StateDerivatives) == 0 {
		return configErr("derivatives", "", ErrNoStates, "at least one state variable is required")
	}

	defined := make(map[string]string) // name -> field it was declared in
	declare := func(field, name string) error {
		if !identifier.MatchString(name) {
			return configErr(field, name, ErrInvalidName, "%q is not a C identifier", name)
		}
		if _, named := NamedConstants[name]; named || reservedNames[name] || isBuiltin(name) {
			return configErr(field, name, ErrReservedName, "")
		}
		if prev, ok := defined[name]; ok {
			return configErr(field, name, ErrDuplicateName, "already declared in %s", prev)
		}
		defined[name] = field
		return nil
	}

	for _, name := range spec.Parameters {
		if err := declare("parameters", name); err != nil {
			return err
		}
	}

	constNames := make([]string, 0, len(spec.Constants))
	for name := range spec.Constants {
		constNames = append(constNames, name)
	}
	sort.Strings(constNames)
	for _, name := range constNames {
		if defined[name] != "parameters" {
			return configErr("constants", name, ErrUnknownConstant, "")
		}
		v := spec.Constants[name]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return configErr("constants", name, ErrNonFiniteConstant, "%v", v)
		}
		// emitted as a float literal, so it must survive the float32 round
		if math.Abs(v) > math.MaxFloat32 {
			return configErr("constants", name, ErrNonFiniteConstant, "%v overflows float32", v)
		}
	}

	for _, d := range spec.StateDerivatives {
		if err := declare("derivatives", d.State); err != nil {
			return err
		}
	}
	for _, a := range spec.Auxiliaries {
		if err := declare("auxiliaries", a.Name); err != nil {
			return err
		}
	}

	return checkReferences(spec)
}

// checkReferences walks expressions in emission order: states are unpacked
// before auxiliaries, and an auxiliary may only use auxiliaries declared
// above it. Expressions that do not parse portably are skipped.
func checkReferences(spec *ModelSpec) error {
	visible := make(map[string]bool)
	for name := range NamedConstants {
		visible[name] = true
	}
	for _, name := range spec.Parameters {
		visible[name] = true
	}
	for _, d := range spec.StateDerivatives {
		visible[d.State] = true
	}

	for _, a := range spec.Auxiliaries {
		if missing := undefinedNames(a.Expr, visible); len(missing) > 0 {
			return configErr("auxiliaries", a.Name, ErrUndefinedName, "%s", strings.Join(missing, ", "))
		}
		visible[a.Name] = true
	}
	for _, d := range spec.StateDerivatives {
		if missing := undefinedNames(d.Expr, visible); len(missing) > 0 {
			return configErr("derivatives", d.State, ErrUndefinedName, "%s", strings.Join(missing, ", "))
		}
	}
	return nil
}

func undefinedNames(src string, visible map[string]bool) []string {
	names, ok := ReferencedNames(src)
	if !ok {
		return nil
	}
	var missing []string
	for _, name := range names {
		if !visible[name] {
			missing = append(missing, name)
		}
	}
	return missing
}

func isBuiltin(name string) bool {
	for _, b := range Builtins {
		if b == name {
			return true
		}
	}
	return false
}
