package job

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/malbeclabs/warehouse/warehouse/pkg/config"
	"github.com/malbeclabs/warehouse/warehouse/pkg/dataset"
)

// DatasetInfo describes a dataset file as it is on disk.
type DatasetInfo struct {
	Name    string
	Path    string
	Exists  bool
	Rows    int64
	Schema  dataset.Schema
	Derived bool
}

// Inspect reads the row count and schema of every registered dataset without
// loading its rows.
func Inspect(reg *config.Registry) ([]DatasetInfo, error) {
	var out []DatasetInfo
	add := func(name, file string, derived bool) error {
		info := DatasetInfo{Name: name, Path: reg.Path(file), Derived: derived}
		ok, err := dataset.Exists(info.Path)
		if err != nil {
			return err
		}
		if ok {
			info.Exists = true
			if info.Schema, err = dataset.ReadSchema(info.Path); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			if info.Rows, err = dataset.CountRows(info.Path); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
		out = append(out, info)
		return nil
	}
	for _, ds := range reg.AllDatasets() {
		if err := add(ds.Name, ds.File, false); err != nil {
			return nil, err
		}
	}
	for _, d := range reg.AllDerived() {
		if err := add(d.Name, d.File, true); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// WriteInspect renders Inspect output as a table.
func WriteInspect(w io.Writer, infos []DatasetInfo) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DATASET\tPATH\tROWS\tSCHEMA")
	for _, info := range infos {
		name := info.Name
		if info.Derived {
			name += " (derived)"
		}
		if !info.Exists {
			fmt.Fprintf(tw, "%s\t%s\t-\tmissing\n", name, info.Path)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", name, info.Path, info.Rows, info.Schema)
	}
	return tw.Flush()
}
