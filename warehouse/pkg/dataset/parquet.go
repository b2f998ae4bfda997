package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
)

const (
	// Field metadata key carrying the semantic type of a column where the
	// physical type alone is ambiguous (categorical vs string).
	typeMetadataKey = "warehouse.type"

	rowGroupSize = 64 * 1024
)

// ErrNotExist is returned when a dataset file does not exist.
var ErrNotExist = errors.New("dataset file does not exist")

// Exists reports whether a dataset file is present at path.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat %s: %w", path, err)
}

// ArrowSchema converts s to an arrow schema.
func ArrowSchema(s Schema) (*arrow.Schema, error) {
	fields := make([]arrow.Field, len(s.Columns))
	for i, c := range s.Columns {
		var dt arrow.DataType
		switch c.Type {
		case TypeInt32:
			dt = arrow.PrimitiveTypes.Int32
		case TypeInt64:
			dt = arrow.PrimitiveTypes.Int64
		case TypeFloat32:
			dt = arrow.PrimitiveTypes.Float32
		case TypeFloat64:
			dt = arrow.PrimitiveTypes.Float64
		case TypeString, TypeCategorical:
			dt = arrow.BinaryTypes.String
		case TypeTimestamp:
			dt = arrow.FixedWidthTypes.Timestamp_us
		default:
			return nil, fmt.Errorf("unsupported column type %q for column %q", c.Type, c.Name)
		}
		fields[i] = arrow.Field{
			Name:     c.Name,
			Type:     dt,
			Nullable: true,
			Metadata: arrow.NewMetadata([]string{typeMetadataKey}, []string{string(c.Type)}),
		}
	}
	return arrow.NewSchema(fields, nil), nil
}

// SchemaFromArrow converts an arrow schema read from a file back to a Schema.
func SchemaFromArrow(as *arrow.Schema) (Schema, error) {
	cols := make([]Column, 0, as.NumFields())
	for _, f := range as.Fields() {
		typ, err := columnTypeOf(f)
		if err != nil {
			return Schema{}, err
		}
		cols = append(cols, Column{Name: f.Name, Type: typ})
	}
	return NewSchema(cols...)
}

func columnTypeOf(f arrow.Field) (ColumnType, error) {
	declared := ""
	if i := f.Metadata.FindKey(typeMetadataKey); i >= 0 {
		declared = f.Metadata.Values()[i]
	}
	switch f.Type.ID() {
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.UINT8, arrow.UINT16:
		return TypeInt32, nil
	case arrow.INT64, arrow.UINT32:
		return TypeInt64, nil
	case arrow.FLOAT32:
		return TypeFloat32, nil
	case arrow.FLOAT64:
		return TypeFloat64, nil
	case arrow.STRING, arrow.LARGE_STRING:
		if declared == string(TypeCategorical) {
			return TypeCategorical, nil
		}
		return TypeString, nil
	case arrow.DICTIONARY:
		return TypeCategorical, nil
	case arrow.TIMESTAMP, arrow.DATE32, arrow.DATE64:
		return TypeTimestamp, nil
	}
	return "", fmt.Errorf("unsupported arrow type %s for column %q", f.Type, f.Name)
}

// Encode writes b as a snappy-compressed Parquet file to w. w is not closed.
func Encode(w io.Writer, b *Batch) error {
	tbl, err := toTable(b)
	if err != nil {
		return err
	}
	defer tbl.Release()

	props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy))
	arrProps := pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema())
	// WriteTable closes its sink when it can; hide Close so the caller keeps
	// control of the file.
	if err := pqarrow.WriteTable(tbl, struct{ io.Writer }{w}, rowGroupSize, props, arrProps); err != nil {
		return fmt.Errorf("failed to write parquet: %w", err)
	}
	return nil
}

func toTable(b *Batch) (arrow.Table, error) {
	as, err := ArrowSchema(b.Schema)
	if err != nil {
		return nil, err
	}
	mem := memory.DefaultAllocator
	rb := array.NewRecordBuilder(mem, as)
	defer rb.Release()

	for r, row := range b.Rows {
		if len(row) != b.Schema.Len() {
			return nil, fmt.Errorf("row %d has %d columns, expected exactly %d", r, len(row), b.Schema.Len())
		}
		for i, v := range row {
			if err := appendValue(rb.Field(i), b.Schema.Columns[i], v); err != nil {
				return nil, fmt.Errorf("row %d: %w", r, err)
			}
		}
	}
	rec := rb.NewRecord()
	defer rec.Release()
	return array.NewTableFromRecords(as, []arrow.Record{rec}), nil
}

func appendValue(bld array.Builder, c Column, v any) error {
	if v == nil {
		bld.AppendNull()
		return nil
	}
	mismatch := func() error {
		return fmt.Errorf("column %q: value %v (%T) does not conform to %s", c.Name, v, v, c.Type)
	}
	switch b := bld.(type) {
	case *array.Int32Builder:
		x, ok := v.(int32)
		if !ok {
			return mismatch()
		}
		b.Append(x)
	case *array.Int64Builder:
		x, ok := v.(int64)
		if !ok {
			return mismatch()
		}
		b.Append(x)
	case *array.Float32Builder:
		x, ok := v.(float32)
		if !ok {
			return mismatch()
		}
		b.Append(x)
	case *array.Float64Builder:
		x, ok := v.(float64)
		if !ok {
			return mismatch()
		}
		b.Append(x)
	case *array.StringBuilder:
		x, ok := v.(string)
		if !ok {
			return mismatch()
		}
		b.Append(x)
	case *array.TimestampBuilder:
		x, ok := v.(time.Time)
		if !ok {
			return mismatch()
		}
		b.Append(arrow.Timestamp(x.UnixMicro()))
	default:
		return fmt.Errorf("column %q: unsupported builder %T", c.Name, bld)
	}
	return nil
}

// ReadFile loads the whole dataset file at path into memory.
func ReadFile(ctx context.Context, path string) (*Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, path)
		}
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	mem := memory.DefaultAllocator
	tbl, err := pqarrow.ReadTable(ctx, f, parquet.NewReaderProperties(mem), pqarrow.ArrowReadProperties{}, mem)
	if err != nil {
		return nil, fmt.Errorf("failed to read parquet %s: %w", path, err)
	}
	defer tbl.Release()

	b, err := fromTable(tbl)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return b, nil
}

func fromTable(tbl arrow.Table) (*Batch, error) {
	schema, err := SchemaFromArrow(tbl.Schema())
	if err != nil {
		return nil, err
	}
	n := int(tbl.NumRows())
	rows := make([][]any, n)
	for r := range rows {
		rows[r] = make([]any, schema.Len())
	}
	for i := 0; i < int(tbl.NumCols()); i++ {
		r := 0
		for _, chunk := range tbl.Column(i).Data().Chunks() {
			for j := 0; j < chunk.Len(); j++ {
				v, err := valueAt(chunk, j)
				if err != nil {
					return nil, fmt.Errorf("column %q: %w", schema.Columns[i].Name, err)
				}
				rows[r][i] = v
				r++
			}
		}
	}
	return &Batch{Schema: schema, Rows: rows}, nil
}

func valueAt(arr arrow.Array, j int) (any, error) {
	if arr.IsNull(j) {
		return nil, nil
	}
	switch a := arr.(type) {
	case *array.Int8:
		return int32(a.Value(j)), nil
	case *array.Int16:
		return int32(a.Value(j)), nil
	case *array.Uint8:
		return int32(a.Value(j)), nil
	case *array.Uint16:
		return int32(a.Value(j)), nil
	case *array.Int32:
		return a.Value(j), nil
	case *array.Uint32:
		return int64(a.Value(j)), nil
	case *array.Int64:
		return a.Value(j), nil
	case *array.Float32:
		return a.Value(j), nil
	case *array.Float64:
		return a.Value(j), nil
	case *array.String:
		return a.Value(j), nil
	case *array.LargeString:
		return a.Value(j), nil
	case *array.Dictionary:
		return valueAt(a.Dictionary(), a.GetValueIndex(j))
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		return normalizeTime(a.Value(j).ToTime(unit)), nil
	case *array.Date32:
		return a.Value(j).ToTime().UTC(), nil
	case *array.Date64:
		return a.Value(j).ToTime().UTC(), nil
	}
	return nil, fmt.Errorf("unsupported array type %s", arr.DataType())
}

// ReadSchema returns the on-disk schema of the dataset file without loading rows.
func ReadSchema(path string) (Schema, error) {
	rdr, err := file.OpenParquetFile(path, false)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Schema{}, fmt.Errorf("%w: %s", ErrNotExist, path)
		}
		return Schema{}, fmt.Errorf("failed to open parquet %s: %w", path, err)
	}
	defer rdr.Close()

	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	if err != nil {
		return Schema{}, fmt.Errorf("failed to create arrow reader for %s: %w", path, err)
	}
	as, err := fr.Schema()
	if err != nil {
		return Schema{}, fmt.Errorf("failed to read schema of %s: %w", path, err)
	}
	return SchemaFromArrow(as)
}

// CountRows returns the number of rows recorded in the file footer.
func CountRows(path string) (int64, error) {
	rdr, err := file.OpenParquetFile(path, false)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", ErrNotExist, path)
		}
		return 0, fmt.Errorf("failed to open parquet %s: %w", path, err)
	}
	defer rdr.Close()
	return rdr.NumRows(), nil
}
