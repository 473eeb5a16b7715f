// Package identity derives stable surrogate keys from natural keys.
//
// A surrogate key is hex(sha256(encode(k1..kn))) where each natural-key
// value is normalized (trimmed, NFC, Unicode case folded) and written with a
// type tag and length prefix, so ("ab","c") and ("a","bc") never collide and
// null is distinct from the empty string. The key depends only on the
// values, never on load order or on other tables.
package identity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	perrors "github.com/fmcg/lakehouse/internal/errors"
	"github.com/fmcg/lakehouse/pkg/types"
)

// Config configures a Resolver for one entity.
type Config struct {
	// KeyColumn receives the surrogate key, e.g. customer_key.
	KeyColumn string `json:"key_column" yaml:"key_column"`

	// NaturalKey lists the fields identifying the entity, in order.
	NaturalKey []string `json:"natural_key" yaml:"natural_key"`

	// Drop lists legacy id columns removed from the output.
	Drop []string `json:"drop,omitempty" yaml:"drop,omitempty"`

	// ForeignKeys derive keys of other entities from fields of this one.
	ForeignKeys []ForeignKey `json:"foreign_keys,omitempty" yaml:"foreign_keys,omitempty"`
}

// ForeignKey computes Column from Fields, which must line up with the
// referenced entity's natural key.
type ForeignKey struct {
	Column string   `json:"column" yaml:"column"`
	Fields []string `json:"fields" yaml:"fields"`
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.KeyColumn == "" {
		return perrors.NewConfigError("identity: key_column is required")
	}
	if len(c.NaturalKey) == 0 {
		return perrors.NewConfigError("identity: natural_key needs at least one field")
	}
	for _, fk := range c.ForeignKeys {
		if fk.Column == "" || len(fk.Fields) == 0 {
			return perrors.NewConfigError(fmt.Sprintf("identity: foreign key %q needs a column and fields", fk.Column))
		}
	}
	return nil
}

// Result is the outcome of resolving a batch.
type Result struct {
	Rows     []types.Record
	Excluded int
	Errors   *perrors.RowErrors
}

// Resolver annotates rows with surrogate keys.
type Resolver struct {
	cfg    Config
	logger *slog.Logger
}

// NewResolver creates a resolver for cfg.
func NewResolver(cfg Config, logger *slog.Logger) (*Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Resolver{cfg: cfg, logger: logger.With("component", "identity")}, nil
}

// KeyColumn returns the surrogate key column name.
func (r *Resolver) KeyColumn() string {
	return r.cfg.KeyColumn
}

// Resolve returns copies of rows with the surrogate key and foreign keys set
// and legacy id columns dropped. Rows whose natural key is entirely null are
// excluded.
func (r *Resolver) Resolve(rows []types.Record) *Result {
	res := &Result{Errors: &perrors.RowErrors{}}
	for i, in := range rows {
		if allNull(in, r.cfg.NaturalKey) {
			res.Excluded++
			res.Errors.Add(i, strings.Join(r.cfg.NaturalKey, ","), "natural key is empty")
			continue
		}
		row := in.Without(r.cfg.Drop...)
		row[r.cfg.KeyColumn] = SurrogateKey(row, r.cfg.NaturalKey)
		for _, fk := range r.cfg.ForeignKeys {
			if allNull(row, fk.Fields) {
				row[fk.Column] = nil
				continue
			}
			row[fk.Column] = SurrogateKey(row, fk.Fields)
		}
		res.Rows = append(res.Rows, row)
	}
	if res.Excluded > 0 {
		r.logger.Warn("excluded rows without a natural key", "excluded", res.Excluded, "key", r.cfg.NaturalKey)
	}
	return res
}

// SurrogateKey hashes the normalized values of fields in row.
func SurrogateKey(row types.Record, fields []string) string {
	values := make([]any, len(fields))
	for i, f := range fields {
		values[i] = row[f]
	}
	return HashValues(values...)
}

var folder = cases.Fold()

// HashValues returns the surrogate key of an ordered list of natural-key
// values.
func HashValues(values ...any) string {
	h := sha256.New()
	var lenBuf [binary.MaxVarintLen64]byte
	for _, v := range values {
		tag, text := encodeValue(v)
		h.Write([]byte{tag})
		if tag == tagNull {
			continue
		}
		n := binary.PutUvarint(lenBuf[:], uint64(len(text)))
		h.Write(lenBuf[:n])
		h.Write([]byte(text))
	}
	return hex.EncodeToString(h.Sum(nil))
}

const (
	tagNull  = 0x00
	tagValue = 'v'
)

// encodeValue renders v as canonical text so a key does not depend on the
// type a source happened to infer for the column.
func encodeValue(v any) (byte, string) {
	var s string
	switch x := v.(type) {
	case nil:
		return tagNull, ""
	case string:
		s = x
	case int64:
		s = strconv.FormatInt(x, 10)
	case int:
		s = strconv.Itoa(x)
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			s = strconv.FormatInt(int64(x), 10)
		} else {
			s = strconv.FormatFloat(x, 'g', -1, 64)
		}
	case bool:
		s = strconv.FormatBool(x)
	default:
		s = fmt.Sprint(x)
	}
	s = folder.String(norm.NFC.String(strings.Join(strings.Fields(s), " ")))
	if s == "" {
		return tagNull, ""
	}
	return tagValue, s
}

func allNull(r types.Record, fields []string) bool {
	for _, f := range fields {
		if !r.IsNull(f) {
			return false
		}
	}
	return true
}
