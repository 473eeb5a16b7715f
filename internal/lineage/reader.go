// Package lineage reads raw landing files into records stamped with their
// ingestion time and source object.
package lineage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	perrors "github.com/fmcg/lakehouse/internal/errors"
	"github.com/fmcg/lakehouse/internal/storage"
	"github.com/fmcg/lakehouse/pkg/types"
)

// Source describes where an entity's raw extracts land.
type Source struct {
	// Prefix is the landing location in object storage.
	Prefix string `json:"prefix" yaml:"prefix"`

	// Format forces a file format (csv, tsv, txt, xlsx). Empty selects by
	// file extension and skips unknown extensions.
	Format string `json:"format,omitempty" yaml:"format,omitempty"`

	// Delimiter overrides the field delimiter of delimited text files.
	Delimiter string `json:"delimiter,omitempty" yaml:"delimiter,omitempty"`

	// Sheet selects the worksheet of xlsx files. Defaults to the first.
	Sheet string `json:"sheet,omitempty" yaml:"sheet,omitempty"`

	// Columns declares the schema instead of inferring it.
	Columns []types.ColumnDef `json:"columns,omitempty" yaml:"columns,omitempty"`
}

// SchemaSource returns the persisted schema of a table, or an error matching
// errors.ErrTableNotFound when the table has none yet.
type SchemaSource interface {
	Schema(ctx context.Context, table string) (types.Schema, error)
}

// ReadOptions narrows a read.
type ReadOptions struct {
	// After skips landing objects at or before this path.
	After string
}

// Batch is the result of one read.
type Batch struct {
	Rows   []types.Record
	Schema types.Schema
	// Files lists the landing objects read, in the order their rows appear.
	Files []string
	// IngestedAt is the timestamp stamped on every row.
	IngestedAt time.Time
}

// Cursor returns the last file read, or "" for an empty batch.
func (b *Batch) Cursor() string {
	if len(b.Files) == 0 {
		return ""
	}
	return b.Files[len(b.Files)-1]
}

// Reader reads landing files.
type Reader struct {
	objects storage.ObjectStorage
	schemas SchemaSource
	now     func() time.Time
	logger  *slog.Logger
}

// NewReader creates a reader. schemas may be nil, in which case every read
// infers its schema from scratch.
func NewReader(objects storage.ObjectStorage, schemas SchemaSource, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Reader{objects: objects, schemas: schemas, now: time.Now, logger: logger.With("component", "lineage")}
}

// Read loads every landing file under src.Prefix in lexical order and
// returns their rows with ingested_at and source_file set.
//
// The schema comes from src.Columns if declared, else from the schema
// persisted for table, else from inference over the batch. Types inferred by
// different files must agree (INTEGER widens to DOUBLE). Against a persisted
// schema, unknown columns and values that do not fit the column type fail
// with SCHEMA_CONFLICT; missing columns read as null.
func (r *Reader) Read(ctx context.Context, table string, src Source, opts ReadOptions) (*Batch, error) {
	paths, err := r.objects.List(ctx, src.Prefix)
	if err != nil {
		return nil, perrors.NewStorageError(perrors.CodeDownloadFailed, "failed to list landing files under "+src.Prefix, err)
	}
	slices.Sort(paths)

	var files []landingFile
	for _, p := range paths {
		if opts.After != "" && p <= opts.After {
			continue
		}
		format := formatOf(p, src.Format)
		if format == "" {
			r.logger.Debug("skipping landing object with unknown format", "path", p)
			continue
		}
		payload, err := r.objects.Get(ctx, p)
		if err != nil {
			return nil, perrors.NewStorageError(perrors.CodeDownloadFailed, "failed to read landing file "+p, err)
		}
		t, err := parseFile(format, payload, src)
		if err != nil {
			return nil, perrors.NewSchemaConflict(table, fmt.Sprintf("landing file %s: %v", p, err))
		}
		files = append(files, landingFile{path: p, table: t})
	}

	persisted, err := r.baseSchema(ctx, table, src)
	if err != nil {
		return nil, err
	}

	schema, err := negotiate(table, persisted, files)
	if err != nil {
		return nil, err
	}

	batch := &Batch{Schema: schema, IngestedAt: r.now().UTC()}
	stamp := batch.IngestedAt.Format(time.RFC3339Nano)
	for _, f := range files {
		for i, raw := range f.table.rows {
			row := make(types.Record, len(f.table.headers)+2)
			for c, name := range f.table.headers {
				def, _ := schema.Column(name)
				v, err := convert(raw[c], def.Type)
				if err != nil {
					return nil, perrors.NewSchemaConflict(table,
						fmt.Sprintf("landing file %s row %d column %q: %v", f.path, i+1, name, err))
				}
				row[name] = v
			}
			row[types.ColIngestedAt] = stamp
			row[types.ColSourceFile] = f.path
			batch.Rows = append(batch.Rows, row)
		}
		batch.Files = append(batch.Files, f.path)
	}

	r.logger.Info("read landing files", "table", table, "files", len(batch.Files), "rows", len(batch.Rows))
	return batch, nil
}

// baseSchema returns the schema a batch must satisfy, if any.
func (r *Reader) baseSchema(ctx context.Context, table string, src Source) (*types.Schema, error) {
	if len(src.Columns) > 0 {
		s := WithLineage(types.Schema{Version: 1, Columns: src.Columns})
		return &s, nil
	}
	if r.schemas == nil {
		return nil, nil
	}
	s, err := r.schemas.Schema(ctx, table)
	if errors.Is(err, perrors.ErrTableNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// WithLineage returns schema with the lineage columns appended if missing.
func WithLineage(schema types.Schema) types.Schema {
	out := types.Schema{Version: schema.Version, Columns: append([]types.ColumnDef(nil), schema.Columns...)}
	if _, ok := out.Column(types.ColIngestedAt); !ok {
		out.Columns = append(out.Columns, types.ColumnDef{Name: types.ColIngestedAt, Type: types.TypeTimestamp})
	}
	if _, ok := out.Column(types.ColSourceFile); !ok {
		out.Columns = append(out.Columns, types.ColumnDef{Name: types.ColSourceFile, Type: types.TypeString})
	}
	return out
}
