// Package pipeline loads an HCL pipeline definition and runs its stages in
// order for local development.
//
//	variable "data_dir" {
//	  default = "./data"
//	}
//
//	prep {
//	  raw_data         = "${var.data_dir}/raw.csv"
//	  train_data       = "${var.data_dir}/train"
//	  test_data        = "${var.data_dir}/test"
//	  test_train_ratio = 0.2
//	}
//
// Attribute names match the stage command flags.
package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/rotisserie/eris"
	"github.com/zclconf/go-cty/cty"
)

// Variable is a declared input. Default may be absent, in which case the
// value must be supplied with --var.
type Variable struct {
	Name        string         `hcl:"name,label"`
	Description *string        `hcl:"description,optional"`
	Default     hcl.Expression `hcl:"default,optional"`
}

// PrepBlock mirrors the prep command flags.
type PrepBlock struct {
	RawData   string   `hcl:"raw_data"`
	TrainData string   `hcl:"train_data"`
	TestData  string   `hcl:"test_data"`
	Ratio     *float64 `hcl:"test_train_ratio,optional"`
	Seed      *int64   `hcl:"seed,optional"`
}

// TrainBlock mirrors the train command flags.
type TrainBlock struct {
	TrainData   string  `hcl:"train_data"`
	TestData    string  `hcl:"test_data"`
	ModelOutput string  `hcl:"model_output"`
	Target      *string `hcl:"target,optional"`
	NEstimators *int    `hcl:"n_estimators,optional"`
	MaxDepth    *int    `hcl:"max_depth,optional"`
	RandomState *int64  `hcl:"random_state,optional"`
}

// RegisterBlock mirrors the register command flags.
type RegisterBlock struct {
	ModelName           string  `hcl:"model_name"`
	ModelPath           string  `hcl:"model_path"`
	ModelInfoOutputPath *string `hcl:"model_info_output_path,optional"`
}

// Definition is a decoded pipeline file. Any stage block may be omitted;
// the runner skips it.
type Definition struct {
	Experiment *string        `hcl:"experiment,optional"`
	Variables  []*Variable    `hcl:"variable,block"`
	Prep       *PrepBlock     `hcl:"prep,block"`
	Train      *TrainBlock    `hcl:"train,block"`
	Register   *RegisterBlock `hcl:"register,block"`

	// Path is the file the definition was loaded from.
	Path string
	// Values holds the resolved variable values.
	Values map[string]string
}

// Stages returns the names of the stages the definition declares, in run
// order.
func (d *Definition) Stages() []string {
	var out []string
	if d.Prep != nil {
		out = append(out, "prep")
	}
	if d.Train != nil {
		out = append(out, "train")
	}
	if d.Register != nil {
		out = append(out, "register")
	}
	return out
}

type variablesOnly struct {
	Variables []*Variable `hcl:"variable,block"`
	Remain    hcl.Body    `hcl:",remain"`
}

// Load parses the pipeline file at path. overrides replace variable
// defaults; naming an undeclared variable is an error.
func Load(path string, overrides map[string]string) (*Definition, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, eris.Errorf("pipeline: parse %s: %s", path, diags.Error())
	}

	// First pass: variables only, so the second pass can reference var.*.
	var vo variablesOnly
	if diags := gohcl.DecodeBody(file.Body, nil, &vo); diags.HasErrors() {
		return nil, eris.Errorf("pipeline: decode variables in %s: %s", path, diags.Error())
	}
	values, err := resolveVariables(vo.Variables, overrides)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: %s", path)
	}

	evalCtx := &hcl.EvalContext{
		Variables: map[string]cty.Value{"var": varObject(values)},
	}
	def := &Definition{}
	if diags := gohcl.DecodeBody(file.Body, evalCtx, def); diags.HasErrors() {
		return nil, eris.Errorf("pipeline: decode %s: %s", path, diags.Error())
	}
	def.Path = path
	def.Values = values
	if len(def.Stages()) == 0 {
		return nil, eris.Errorf("pipeline: %s declares no stages", path)
	}
	return def, nil
}

func resolveVariables(vars []*Variable, overrides map[string]string) (map[string]string, error) {
	values := make(map[string]string, len(vars))
	declared := make(map[string]bool, len(vars))
	for _, v := range vars {
		if declared[v.Name] {
			return nil, eris.Errorf("variable %q declared twice", v.Name)
		}
		declared[v.Name] = true

		if o, ok := overrides[v.Name]; ok {
			values[v.Name] = o
			continue
		}
		val, diags := v.Default.Value(nil)
		if diags.HasErrors() {
			return nil, eris.Errorf("variable %q default: %s", v.Name, diags.Error())
		}
		if val.IsNull() {
			return nil, eris.Errorf("variable %q has no default and was not set with --var", v.Name)
		}
		s, err := stringify(val)
		if err != nil {
			return nil, eris.Wrapf(err, "variable %q", v.Name)
		}
		values[v.Name] = s
	}

	var unknown []string
	for k := range overrides {
		if !declared[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, eris.Errorf("undeclared variables: %s", strings.Join(unknown, ", "))
	}
	return values, nil
}

// stringify renders a primitive default. Values stay strings in the eval
// context; HCL converts them where a number is expected.
func stringify(v cty.Value) (string, error) {
	switch v.Type() {
	case cty.String:
		return v.AsString(), nil
	case cty.Number:
		return v.AsBigFloat().Text('g', -1), nil
	case cty.Bool:
		return fmt.Sprint(v.True()), nil
	default:
		return "", eris.Errorf("default must be a string, number, or bool, got %s", v.Type().FriendlyName())
	}
}

func varObject(values map[string]string) cty.Value {
	if len(values) == 0 {
		return cty.EmptyObjectVal
	}
	attrs := make(map[string]cty.Value, len(values))
	for k, v := range values {
		attrs[k] = cty.StringVal(v)
	}
	return cty.ObjectVal(attrs)
}

// ParseVars turns repeated k=v flag values into a map.
func ParseVars(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, eris.Errorf("pipeline: --var %q must be key=value", p)
		}
		out[k] = v
	}
	return out, nil
}
