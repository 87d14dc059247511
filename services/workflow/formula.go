package workflow

import (
	"math"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

const defaultDecimals = 2

// formulaFunctions are the calls a formula may use besides arithmetic operators.
var formulaFunctions = map[string]function.Function{
	"abs":   stdlib.AbsoluteFunc,
	"ceil":  stdlib.CeilFunc,
	"floor": stdlib.FloorFunc,
	"log":   stdlib.LogFunc,
	"max":   stdlib.MaxFunc,
	"min":   stdlib.MinFunc,
	"pow":   stdlib.PowFunc,
}

// evalFormula evaluates src with every referenced name bound to the numeric
// value of the matching input field.
func evalFormula(src string, inputs map[string]any) (float64, error) {
	expr, diags := hclsyntax.ParseExpression([]byte(src), "formula", hcl.InitialPos)
	if diags.HasErrors() {
		return 0, nodeErr(ErrEvalError, "parse formula: %s", diags.Error())
	}

	vars := make(map[string]cty.Value)
	for _, traversal := range expr.Variables() {
		name := traversal.RootName()
		raw, ok := inputs[name]
		if !ok {
			return 0, nodeErr(ErrEvalError, "unknown identifier %q", name)
		}
		f, ok := toFloat64(raw)
		if !ok || math.IsNaN(f) {
			return 0, nodeErr(ErrEvalError, "field %q is not numeric", name)
		}
		vars[name] = cty.NumberFloatVal(f)
	}

	val, diags := expr.Value(&hcl.EvalContext{Variables: vars, Functions: formulaFunctions})
	if diags.HasErrors() {
		return 0, nodeErr(ErrEvalError, "evaluate formula: %s", diags.Error())
	}
	if val.IsNull() || !val.IsKnown() || !val.Type().Equals(cty.Number) {
		return 0, nodeErr(ErrEvalError, "formula must produce a number")
	}
	bf := val.AsBigFloat()
	if bf.IsInf() {
		return 0, nodeErr(ErrEvalError, "division by zero")
	}
	f, _ := bf.Float64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, nodeErr(ErrEvalError, "formula result out of range")
	}
	return f, nil
}

// roundTo rounds v to decimals places. Values that cannot be scaled without
// overflowing are returned unrounded.
func roundTo(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	scaled := v * p
	if math.IsInf(p, 0) || math.IsInf(scaled, 0) {
		return v
	}
	return math.Round(scaled) / p
}
