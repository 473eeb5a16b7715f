package identity

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/fmcg/lakehouse/internal/errors"
	"github.com/fmcg/lakehouse/pkg/types"
)

var customerConfig = Config{
	KeyColumn:  "customer_key",
	NaturalKey: []string{"customer_name", "city"},
	Drop:       []string{"legacy_customer_id"},
}

func TestResolve_AssignsKeysAndDropsLegacyIDs(t *testing.T) {
	r, err := NewResolver(customerConfig, nil)
	require.NoError(t, err)

	res := r.Resolve([]types.Record{
		{"legacy_customer_id": "C-17", "customer_name": "Asha Rao", "city": "Bangalore"},
		{"legacy_customer_id": "X9", "customer_name": "asha  rao", "city": "BANGALORE"},
		{"legacy_customer_id": "C-18", "customer_name": "Ravi", "city": "Mumbai"},
	})
	require.Len(t, res.Rows, 3)
	assert.NotContains(t, res.Rows[0], "legacy_customer_id")
	assert.Len(t, res.Rows[0]["customer_key"], 64)
	assert.Equal(t, res.Rows[0]["customer_key"], res.Rows[1]["customer_key"], "keys ignore case and spacing")
	assert.NotEqual(t, res.Rows[0]["customer_key"], res.Rows[2]["customer_key"])
}

func TestResolve_ExcludesRowsWithoutNaturalKey(t *testing.T) {
	r, err := NewResolver(customerConfig, nil)
	require.NoError(t, err)

	res := r.Resolve([]types.Record{
		{"customer_name": nil, "city": " "},
		{"customer_name": "Ravi", "city": nil},
	})
	assert.Len(t, res.Rows, 1)
	assert.Equal(t, 1, res.Excluded)
	assert.ErrorIs(t, res.Errors.Err(), perrors.ErrRowValidation)
}

func TestResolve_ForeignKeysMatchDimensionKeys(t *testing.T) {
	products, err := NewResolver(Config{KeyColumn: "product_key", NaturalKey: []string{"product_name", "variant"}}, nil)
	require.NoError(t, err)
	orders, err := NewResolver(Config{
		KeyColumn:   "order_line_key",
		NaturalKey:  []string{"order_id", "line_no"},
		ForeignKeys: []ForeignKey{{Column: "product_key", Fields: []string{"product", "size"}}},
	}, nil)
	require.NoError(t, err)

	dim := products.Resolve([]types.Record{{"product_name": "ProteinBar", "variant": "60g"}})
	fact := orders.Resolve([]types.Record{
		{"order_id": int64(101), "line_no": int64(1), "product": "proteinbar", "size": "60G"},
		{"order_id": int64(101), "line_no": int64(2), "product": nil, "size": nil},
	})
	assert.Equal(t, dim.Rows[0]["product_key"], fact.Rows[0]["product_key"])
	assert.Nil(t, fact.Rows[1]["product_key"])
}

func TestHashValues_Unambiguous(t *testing.T) {
	assert.NotEqual(t, HashValues("ab", "c"), HashValues("a", "bc"))
	assert.NotEqual(t, HashValues(nil, "a"), HashValues("a", nil))
	assert.Equal(t, HashValues(int64(101)), HashValues(101.0))
	assert.Equal(t, HashValues("Straße"), HashValues("STRASSE"))
}

func TestSurrogateKey_IgnoresInferredType(t *testing.T) {
	fields := []string{"name", "pincode"}
	assert.Equal(t,
		SurrogateKey(types.Record{"name": "Asha", "pincode": int64(560001)}, fields),
		SurrogateKey(types.Record{"name": "Asha", "pincode": "560001"}, fields))
	assert.Equal(t, SurrogateKey(types.Record{"p": int64(560001)}, []string{"p"}),
		SurrogateKey(types.Record{"p": "560001"}, []string{"p"}))
	assert.Equal(t, HashValues(101.0), HashValues(" 101 "))
	assert.Equal(t, HashValues(true), HashValues("TRUE"))
	assert.NotEqual(t, HashValues(101.5), HashValues(int64(101)))
}

func TestConfig_Validate(t *testing.T) {
	assert.ErrorIs(t, Config{NaturalKey: []string{"a"}}.Validate(), perrors.ErrInvalidConfig)
	assert.ErrorIs(t, Config{KeyColumn: "k"}.Validate(), perrors.ErrInvalidConfig)
	assert.NoError(t, customerConfig.Validate())
}

func TestSurrogateKey_Deterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("equal natural keys give equal surrogate keys regardless of other columns", prop.ForAll(
		func(name, city, noise string) bool {
			a := types.Record{"customer_name": name, "city": city, "note": noise}
			b := types.Record{"customer_name": "  " + name + " ", "city": city}
			fields := []string{"customer_name", "city"}
			return SurrogateKey(a, fields) == SurrogateKey(b, fields) &&
				SurrogateKey(a, fields) == SurrogateKey(a.Clone(), fields)
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AnyString(),
	))

	properties.Property("different natural keys give different surrogate keys", prop.ForAll(
		func(a, b int64) bool {
			if a == b {
				return true
			}
			return HashValues(a) != HashValues(b)
		},
		gen.Int64(),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
