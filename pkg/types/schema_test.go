package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoerce(t *testing.T) {
	tests := []struct {
		name    string
		in      any
		typ     ColumnType
		want    any
		wantErr bool
	}{
		{"nil stays nil", nil, TypeInteger, nil, false},
		{"string integer", " 42 ", TypeInteger, int64(42), false},
		{"json integer", json.Number("7"), TypeInteger, int64(7), false},
		{"integral float", float64(3), TypeInteger, int64(3), false},
		{"fractional float", 3.5, TypeInteger, nil, true},
		{"int to double", int64(2), TypeDouble, float64(2), false},
		{"json double", json.Number("2.25"), TypeDouble, 2.25, false},
		{"bool string", "true", TypeBoolean, true, false},
		{"number to string", int64(9), TypeString, "9", false},
		{"canonical date", "2024-03-01", TypeDate, "2024-03-01", false},
		{"non canonical date", "01/03/2024", TypeDate, nil, true},
		{"timestamp", "2024-03-01T10:00:00Z", TypeTimestamp, "2024-03-01T10:00:00Z", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Coerce(tt.in, tt.typ)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSchemaOf(t *testing.T) {
	rows := []Record{
		{"order_id": int64(1), "amount": int64(10), "note": nil},
		{"order_id": int64(2), "amount": 12.5, "note": "rush"},
	}
	s := SchemaOf(rows, []string{"order_id"})

	id, ok := s.Column("order_id")
	require.True(t, ok)
	assert.Equal(t, TypeInteger, id.Type)
	assert.True(t, id.PrimaryKey)
	assert.False(t, id.Nullable)

	amount, _ := s.Column("amount")
	assert.Equal(t, TypeDouble, amount.Type)

	note, _ := s.Column("note")
	assert.Equal(t, TypeString, note.Type)
	assert.True(t, note.Nullable)

	assert.Equal(t, []string{"order_id"}, s.KeyColumns())
}

func TestRecordsEqual(t *testing.T) {
	a := Record{"city": "Bangalore", "qty": int64(2), ColSourceFile: "a.csv"}
	b := Record{"city": "Bangalore", "qty": float64(2), ColSourceFile: "b.csv"}

	assert.False(t, RecordsEqual(a, b))
	assert.True(t, RecordsEqual(a, b, LineageColumns...))
	assert.True(t, RecordsEqual(Record{"x": nil}, Record{}))
	assert.False(t, RecordsEqual(Record{"x": "1"}, Record{}))
}

func TestSchemaSameColumns(t *testing.T) {
	a := Schema{Columns: []ColumnDef{{Name: "a", Type: TypeString}, {Name: "b", Type: TypeInteger}}}
	b := Schema{Version: 3, Columns: []ColumnDef{{Name: "b", Type: TypeInteger, Nullable: true}, {Name: "a", Type: TypeString}}}
	c := Schema{Columns: []ColumnDef{{Name: "a", Type: TypeString}, {Name: "b", Type: TypeDouble}}}

	assert.True(t, a.SameColumns(b))
	assert.False(t, a.SameColumns(c))
}

func TestKeyOf(t *testing.T) {
	cols := []string{"order_id", "line"}
	assert.Equal(t,
		KeyOf(Record{"order_id": int64(101), "line": "a"}, cols),
		KeyOf(Record{"order_id": float64(101), "line": "a"}, cols))
	assert.NotEqual(t,
		KeyOf(Record{"order_id": "101", "line": "a"}, cols),
		KeyOf(Record{"order_id": int64(101), "line": "a"}, cols))
	assert.NotEqual(t,
		KeyOf(Record{"order_id": nil, "line": "a"}, cols),
		KeyOf(Record{"order_id": "", "line": "a"}, cols))

	assert.True(t, HasNullKey(Record{"order_id": " ", "line": "a"}, cols))
	assert.False(t, HasNullKey(Record{"order_id": int64(0), "line": "a"}, cols))
}
