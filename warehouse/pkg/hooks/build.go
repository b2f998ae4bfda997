package hooks

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/malbeclabs/warehouse/warehouse/pkg/config"
	"github.com/malbeclabs/warehouse/warehouse/pkg/dataset"
	"gopkg.in/yaml.v3"
)

// Kinds lists the hook kinds that can be declared in the registry.
var Kinds = []string{"rename", "cast", "product", "concat", "filter_length", "first_per_key"}

// Build creates a hook from its registry declaration.
func Build(spec config.HookSpec) (Hook, error) {
	switch spec.Kind {
	case "rename":
		var h Rename
		if err := decodeOptions(&spec.Options, &h); err != nil {
			return nil, err
		}
		if len(h.Columns) == 0 {
			return nil, errors.New("rename: columns are required")
		}
		return h, nil
	case "cast":
		var opts struct {
			Types  map[string]string `yaml:"types"`
			Strict bool              `yaml:"strict"`
		}
		if err := decodeOptions(&spec.Options, &opts); err != nil {
			return nil, err
		}
		if len(opts.Types) == 0 {
			return nil, errors.New("cast: types are required")
		}
		h := Cast{Types: make(map[string]dataset.ColumnType, len(opts.Types)), Strict: opts.Strict}
		for col, name := range opts.Types {
			typ, err := dataset.ParseColumnType(name)
			if err != nil {
				return nil, fmt.Errorf("cast: column %q: %w", col, err)
			}
			h.Types[col] = typ
		}
		return h, nil
	case "product":
		var opts struct {
			Output string `yaml:"output"`
			Left   string `yaml:"left"`
			Right  string `yaml:"right"`
			Type   string `yaml:"type"`
		}
		if err := decodeOptions(&spec.Options, &opts); err != nil {
			return nil, err
		}
		if opts.Output == "" || opts.Left == "" || opts.Right == "" {
			return nil, errors.New("product: output, left and right are required")
		}
		h := Product{Output: opts.Output, Left: opts.Left, Right: opts.Right}
		if opts.Type != "" {
			typ, err := dataset.ParseColumnType(opts.Type)
			if err != nil {
				return nil, fmt.Errorf("product: %w", err)
			}
			if !typ.IsNumeric() {
				return nil, fmt.Errorf("product: output type %s is not numeric", typ)
			}
			h.Type = typ
		}
		return h, nil
	case "concat":
		var h Concat
		if err := decodeOptions(&spec.Options, &h); err != nil {
			return nil, err
		}
		if h.Output == "" || len(h.Columns) == 0 {
			return nil, errors.New("concat: output and columns are required")
		}
		return h, nil
	case "filter_length":
		var h FilterLength
		if err := decodeOptions(&spec.Options, &h); err != nil {
			return nil, err
		}
		if h.Column == "" || h.Length <= 0 {
			return nil, errors.New("filter_length: column and a positive length are required")
		}
		return h, nil
	case "first_per_key":
		var h FirstPerKey
		if err := decodeOptions(&spec.Options, &h); err != nil {
			return nil, err
		}
		if len(h.Keys) == 0 {
			return nil, errors.New("first_per_key: keys are required")
		}
		return h, nil
	}
	return nil, fmt.Errorf("unknown hook kind %q (known: %s)", spec.Kind, strings.Join(Kinds, ", "))
}

// decodeOptions decodes a hook's options node into out, rejecting unknown
// fields.
func decodeOptions(node *yaml.Node, out any) error {
	if node.Kind == 0 {
		return nil
	}
	raw, err := yaml.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to encode hook options: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode hook options: %w", err)
	}
	return nil
}

// FromConfig builds a registry holding the declared hooks of every dataset.
// Datasets with several hooks get them chained in declaration order.
func FromConfig(reg *config.Registry) (*Registry, error) {
	r := NewRegistry()
	for _, ds := range reg.AllDatasets() {
		if len(ds.Hooks) == 0 {
			continue
		}
		chain := make(Chain, 0, len(ds.Hooks))
		for i, spec := range ds.Hooks {
			h, err := Build(spec)
			if err != nil {
				return nil, fmt.Errorf("dataset %q hook %d: %w", ds.Name, i, err)
			}
			chain = append(chain, h)
		}
		if len(chain) == 1 {
			r.Register(ds.Name, chain[0])
			continue
		}
		r.Register(ds.Name, chain)
	}
	return r, nil
}
