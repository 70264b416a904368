package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"

	"grimm.is/geofence/internal/brand"
)

// envFunc exposes env("NAME") to config files.
var envFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "name", Type: cty.String},
	},
	Type: function.StaticReturnType(cty.String),
	Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
		return cty.StringVal(os.Getenv(args[0].AsString())), nil
	},
})

// evalContext returns the variables and functions available to config files.
func evalContext() *hcl.EvalContext {
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"state_dir":  cty.StringVal(brand.GetStateDir()),
			"config_dir": cty.StringVal(brand.GetConfigDir()),
		},
		Functions: map[string]function.Function{
			"env": envFunc,
		},
	}
}

// LoadFile loads a config file (HCL or HCL-JSON), applies defaults and
// validates it. Warnings are not returned as errors.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Load(data, path)
}

// Load parses data named filename. The extension selects the syntax.
func Load(data []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()

	var (
		file  *hcl.File
		diags hcl.Diagnostics
	)
	if strings.ToLower(filepath.Ext(filename)) == ".json" {
		file, diags = parser.ParseJSON(data, filename)
	} else {
		file, diags = parser.ParseHCL(data, filename)
	}
	if diags.HasErrors() {
		return nil, fmt.Errorf("HCL parse error: %s", diags.Error())
	}

	var cfg Config
	if diags := gohcl.DecodeBody(file.Body, evalContext(), &cfg); diags.HasErrors() {
		return nil, fmt.Errorf("HCL decode error: %s", diags.Error())
	}

	if cfg.SchemaVersion != "" && !strings.HasPrefix(cfg.SchemaVersion, "1.") {
		return nil, fmt.Errorf("unsupported config schema version %s (supported: 1.x)", cfg.SchemaVersion)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// LoadOrDefault loads path when it exists. A missing file yields defaults so
// the tool can run from flags alone.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return LoadFile(path)
}
