package tablestore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/golang/snappy"
	"github.com/google/uuid"

	"github.com/fmcg/lakehouse/internal/bloom"
	perrors "github.com/fmcg/lakehouse/internal/errors"
	"github.com/fmcg/lakehouse/internal/manifest"
	"github.com/fmcg/lakehouse/internal/storage"
	"github.com/fmcg/lakehouse/pkg/types"
)

const fileExt = ".jsonl.snappy"

func dataPath(table string) string {
	return tablePrefix(table) + "data/" + uuid.NewString() + fileExt
}

func changePath(table string, version int64) string {
	return tablePrefix(table) + "_changes/" + fmt.Sprintf("%020d", version) + "-" + uuid.NewString() + fileExt
}

// encodeLines writes one JSON document per line and snappy-compresses the
// result.
func encodeLines[T any](items []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range items {
		if err := enc.Encode(items[i]); err != nil {
			return nil, fmt.Errorf("tablestore: failed to encode line %d: %w", i, err)
		}
	}
	return snappy.Encode(nil, buf.Bytes()), nil
}

// decodeLines reverses encodeLines. Numbers decode as json.Number so the
// schema decides between INTEGER and DOUBLE.
func decodeLines[T any](data []byte) ([]T, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("tablestore: corrupt file: %w", err)
	}
	dec := json.NewDecoder(bufio.NewReader(bytes.NewReader(raw)))
	dec.UseNumber()
	var out []T
	for {
		var item T
		if err := dec.Decode(&item); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, fmt.Errorf("tablestore: failed to decode line %d: %w", len(out), err)
		}
		out = append(out, item)
	}
}

// conform coerces a decoded row to schema. Columns added after the file was
// written read as nil.
func conform(row types.Record, schema types.Schema) (types.Record, error) {
	out := make(types.Record, len(schema.Columns))
	for _, def := range schema.Columns {
		v, err := types.Coerce(row[def.Name], def.Type)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", def.Name, err)
		}
		out[def.Name] = v
	}
	return out, nil
}

// writeDataFile stores rows as a new data file with a key filter over
// keyCols and returns its manifest record.
func (s *Store) writeDataFile(ctx context.Context, table string, rows []types.Record, keyCols []string) (manifest.FileRecord, error) {
	data, err := encodeLines(rows)
	if err != nil {
		return manifest.FileRecord{}, perrors.NewInternalError("failed to encode data file", err)
	}
	rec := manifest.FileRecord{
		ObjectPath: dataPath(table),
		RowCount:   int64(len(rows)),
		SizeBytes:  int64(len(data)),
	}
	if len(keyCols) > 0 {
		keys := make([]string, len(rows))
		for i, r := range rows {
			keys[i] = types.KeyOf(r, keyCols)
		}
		rec.KeyFilter = bloom.Build(keys, s.opts.KeyFilterFPR).Marshal()
	}
	if err := s.put(ctx, rec.ObjectPath, data); err != nil {
		return manifest.FileRecord{}, err
	}
	return rec, nil
}

func (s *Store) readDataFile(ctx context.Context, path string, schema types.Schema) ([]types.Record, error) {
	data, err := s.get(ctx, path)
	if err != nil {
		return nil, err
	}
	rows, err := decodeLines[types.Record](data)
	if err != nil {
		return nil, perrors.NewStorageError(perrors.CodeDownloadFailed, "failed to read data file "+path, err)
	}
	for i, r := range rows {
		if rows[i], err = conform(r, schema); err != nil {
			return nil, perrors.NewInternalError("data file "+path+" row "+strconv.Itoa(i)+" violates the table schema", err)
		}
	}
	return rows, nil
}

func (s *Store) writeChangeFile(ctx context.Context, table string, version int64, events []types.ChangeEvent) (string, error) {
	data, err := encodeLines(events)
	if err != nil {
		return "", perrors.NewInternalError("failed to encode change file", err)
	}
	path := changePath(table, version)
	if err := s.put(ctx, path, data); err != nil {
		return "", err
	}
	return path, nil
}

// readChangeFile decodes a version's change events. Deleted rows and update
// preimages were written under the previous version and read with before;
// every other row is read with after.
func (s *Store) readChangeFile(ctx context.Context, path string, before, after types.Schema) ([]types.ChangeEvent, error) {
	data, err := s.get(ctx, path)
	if err != nil {
		return nil, err
	}
	events, err := decodeLines[types.ChangeEvent](data)
	if err != nil {
		return nil, perrors.NewStorageError(perrors.CodeDownloadFailed, "failed to read change file "+path, err)
	}
	for i := range events {
		schema := after
		if events[i].Op == types.OpDelete || events[i].Op == types.OpUpdatePreimage {
			schema = before
		}
		row, err := conform(events[i].Row, schema)
		if err != nil {
			return nil, perrors.NewInternalError("change file "+path+" violates the table schema", err)
		}
		events[i].Row = row
	}
	return events, nil
}

func (s *Store) put(ctx context.Context, path string, data []byte) error {
	return s.do(ctx, "put "+path, func(ctx context.Context) error {
		if err := s.objects.Put(ctx, path, data); err != nil {
			return perrors.NewStorageError(perrors.CodeUploadFailed, "failed to write "+path, err)
		}
		return nil
	})
}

func (s *Store) get(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := s.do(ctx, "get "+path, func(ctx context.Context) error {
		var err error
		data, err = s.objects.Get(ctx, path)
		if err != nil {
			if errors.Is(err, storage.ErrObjectNotFound) {
				return perrors.NewStorageError(perrors.CodeDownloadFailed, "missing object "+path, err)
			}
			return perrors.NewStorageError(perrors.CodeDownloadFailed, "failed to read "+path, err)
		}
		return nil
	})
	return data, err
}
