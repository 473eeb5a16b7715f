package lineage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	perrors "github.com/fmcg/lakehouse/internal/errors"
	"github.com/fmcg/lakehouse/internal/storage"
	"github.com/fmcg/lakehouse/pkg/types"
)

type staticSchemas map[string]types.Schema

func (s staticSchemas) Schema(_ context.Context, table string) (types.Schema, error) {
	schema, ok := s[table]
	if !ok {
		return types.Schema{}, perrors.NewTableNotFound(table)
	}
	return schema, nil
}

func newLanding(t *testing.T, files map[string]string) storage.ObjectStorage {
	t.Helper()
	store, err := storage.NewLocalStorage(filepath.Join(t.TempDir(), "landing"))
	require.NoError(t, err)
	for p, content := range files {
		require.NoError(t, store.Put(context.Background(), p, []byte(content)))
	}
	return store
}

func newTestReader(objects storage.ObjectStorage, schemas SchemaSource) *Reader {
	r := NewReader(objects, schemas, nil)
	r.now = func() time.Time { return time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC) }
	return r
}

func TestRead_InfersTypesAndStampsLineage(t *testing.T) {
	objects := newLanding(t, map[string]string{
		"landing/orders/2024-03-02.csv": "Order ID,Quantity,Unit Price,Order Date,Gift\n102,1,3.5,2024-03-02,false\n",
		"landing/orders/2024-03-01.csv": "\xEF\xBB\xBFOrder ID,Quantity,Unit Price,Order Date,Gift\n101, 2 ,4,2024-03-01,TRUE\n103,,,,\n",
		"landing/orders/readme.md":      "not data",
	})
	batch, err := newTestReader(objects, nil).Read(context.Background(), "bronze.orders",
		Source{Prefix: "landing/orders/"}, ReadOptions{})
	require.NoError(t, err)

	require.Len(t, batch.Rows, 3)
	assert.Equal(t, []string{"landing/orders/2024-03-01.csv", "landing/orders/2024-03-02.csv"}, batch.Files)
	assert.Equal(t, "landing/orders/2024-03-02.csv", batch.Cursor())

	first := batch.Rows[0]
	assert.Equal(t, int64(101), first["order_id"])
	assert.Equal(t, int64(2), first["quantity"])
	assert.Equal(t, 4.0, first["unit_price"])
	assert.Equal(t, "2024-03-01", first["order_date"])
	assert.Equal(t, true, first["gift"])
	assert.Equal(t, "2024-03-01T06:00:00Z", first[types.ColIngestedAt])
	assert.Equal(t, "landing/orders/2024-03-01.csv", first[types.ColSourceFile])

	assert.Nil(t, batch.Rows[1]["quantity"])
	assert.Nil(t, batch.Rows[1]["gift"])

	colTypes := map[string]types.ColumnType{}
	for _, c := range batch.Schema.Columns {
		colTypes[c.Name] = c.Type
	}
	assert.Equal(t, types.TypeInteger, colTypes["order_id"])
	assert.Equal(t, types.TypeDouble, colTypes["unit_price"])
	assert.Equal(t, types.TypeDate, colTypes["order_date"])
	assert.Equal(t, types.TypeBoolean, colTypes["gift"])
	assert.Equal(t, types.TypeTimestamp, colTypes[types.ColIngestedAt])
}

func TestRead_StringValuesStayRaw(t *testing.T) {
	objects := newLanding(t, map[string]string{
		"landing/customers/a.csv": "customer_id,city,phone\nC1,  bangalore ,0091800\nC2,Mumbai,0091801\n",
	})
	batch, err := newTestReader(objects, nil).Read(context.Background(), "bronze.customers",
		Source{Prefix: "landing/customers/"}, ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "  bangalore ", batch.Rows[0]["city"])
	assert.Equal(t, "0091800", batch.Rows[0]["phone"])
}

func TestRead_CrossFileTypeConflict(t *testing.T) {
	objects := newLanding(t, map[string]string{
		"landing/products/a.csv": "sku,weight\nP1,60\n",
		"landing/products/b.csv": "sku,weight\nP2,sixty grams\n",
	})
	_, err := newTestReader(objects, nil).Read(context.Background(), "bronze.products",
		Source{Prefix: "landing/products/"}, ReadOptions{})
	assert.ErrorIs(t, err, perrors.ErrSchemaConflict)
}

func TestRead_IntegerWidensToDouble(t *testing.T) {
	objects := newLanding(t, map[string]string{
		"landing/products/a.csv": "sku,price\nP1,60\n",
		"landing/products/b.csv": "sku,price\nP2,2.5\n",
	})
	batch, err := newTestReader(objects, nil).Read(context.Background(), "bronze.products",
		Source{Prefix: "landing/products/"}, ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, 60.0, batch.Rows[0]["price"])
	assert.Equal(t, 2.5, batch.Rows[1]["price"])
}

func TestRead_ValidatesAgainstRegisteredSchema(t *testing.T) {
	registered := WithLineage(types.Schema{Version: 1, Columns: []types.ColumnDef{
		{Name: "sku", Type: types.TypeString, Nullable: true},
		{Name: "pack_size", Type: types.TypeString, Nullable: true},
		{Name: "price", Type: types.TypeInteger, Nullable: true},
	}})
	schemas := staticSchemas{"bronze.products": registered}

	objects := newLanding(t, map[string]string{
		"landing/products/a.csv": "sku,pack_size,price\nP1,12,1.5\n",
	})
	batch, err := newTestReader(objects, schemas).Read(context.Background(), "bronze.products",
		Source{Prefix: "landing/products/"}, ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "12", batch.Rows[0]["pack_size"], "registered STRING wins over inferred INTEGER")
	assert.Equal(t, 1.5, batch.Rows[0]["price"], "INTEGER widens to DOUBLE")

	extra := newLanding(t, map[string]string{
		"landing/products/a.csv": "sku,colour\nP1,red\n",
	})
	_, err = newTestReader(extra, schemas).Read(context.Background(), "bronze.products",
		Source{Prefix: "landing/products/"}, ReadOptions{})
	assert.ErrorIs(t, err, perrors.ErrSchemaConflict)

	missing := newLanding(t, map[string]string{
		"landing/products/a.csv": "sku\nP9\n",
	})
	batch, err = newTestReader(missing, schemas).Read(context.Background(), "bronze.products",
		Source{Prefix: "landing/products/"}, ReadOptions{})
	require.NoError(t, err)
	assert.Len(t, batch.Rows, 1)
}

func TestRead_AfterCursor(t *testing.T) {
	objects := newLanding(t, map[string]string{
		"landing/orders/day1.csv": "order_id\n1\n",
		"landing/orders/day2.csv": "order_id\n2\n",
	})
	batch, err := newTestReader(objects, nil).Read(context.Background(), "bronze.orders",
		Source{Prefix: "landing/orders/"}, ReadOptions{After: "landing/orders/day1.csv"})
	require.NoError(t, err)
	require.Len(t, batch.Rows, 1)
	assert.Equal(t, int64(2), batch.Rows[0]["order_id"])
}

func TestRead_Excel(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]interface{}{"Product Name", "Category"}))
	require.NoError(t, f.SetSheetRow(sheet, "A2", &[]interface{}{"ProteinBar 60g", "Snacks"}))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	objects := newLanding(t, map[string]string{"landing/products/catalog.xlsx": buf.String()})
	batch, err := newTestReader(objects, nil).Read(context.Background(), "bronze.products",
		Source{Prefix: "landing/products/"}, ReadOptions{})
	require.NoError(t, err)
	require.Len(t, batch.Rows, 1)
	assert.Equal(t, "ProteinBar 60g", batch.Rows[0]["product_name"])
	assert.Equal(t, "Snacks", batch.Rows[0]["category"])
}

func TestSanitizeHeaders(t *testing.T) {
	got := sanitizeHeaders([]string{" Order ID ", "order-id", "", "Unit.Price"})
	assert.Equal(t, []string{"order_id", "order_id_2", "column_3", "unit_price"}, got)
}
