package reader

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/fileloader-io/fileloader/internal/fault"
	"github.com/fileloader-io/fileloader/internal/schema"
	"github.com/fileloader-io/fileloader/internal/source"
)

func testSource(t *testing.T, format source.Format) *source.Source {
	t.Helper()

	model, err := schema.NewRowModel([]schema.Field{
		{Name: "order_id", Type: schema.TypeInt, Required: true, Alias: "Order ID"},
		{Name: "amount", Type: schema.TypeFloat},
	})
	require.NoError(t, err)

	s := &source.Source{
		Name:        "orders",
		Format:      format,
		FilePattern: "orders_*",
		Table:       "orders",
		Grain:       []string{"order_id"},
		Model:       model,
		CSV:         source.CSVOptions{Delimiter: ",", Encoding: "utf-8"},
	}
	require.NoError(t, s.Validate())

	return s
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func drain(t *testing.T, r Reader) []Row {
	t.Helper()

	var rows []Row

	for {
		row, err := r.Next()
		if errors.Is(err, io.EOF) {
			return rows
		}

		require.NoError(t, err)

		rows = append(rows, row)
	}
}

func TestExtension(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{path: "orders_2026.csv", want: ".csv"},
		{path: "orders_2026.CSV", want: ".csv"},
		{path: "orders_2026.csv.gz", want: ".csv.gz"},
		{path: "/data/in/orders.json.gz", want: ".json.gz"},
		{path: "orders.xlsx", want: ".xlsx"},
		{path: "orders", want: ""},
		{path: "orders.gz", want: ".gz"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, Extension(tt.path))
		})
	}
}

func TestNewRejectsUnsupportedExtension(t *testing.T) {
	src := testSource(t, source.FormatCSV)

	_, err := New("orders_2026.parquet", src)
	require.Error(t, err)
	assert.Equal(t, fault.KindUnsupportedFormat, fault.KindOf(err))
}

func TestNewRejectsFormatMismatch(t *testing.T) {
	src := testSource(t, source.FormatCSV)

	_, err := New("orders_2026.json", src)
	require.Error(t, err)
	assert.Equal(t, fault.KindReaderMismatch, fault.KindOf(err))
}

func TestCSVReaderStreamsRows(t *testing.T) {
	src := testSource(t, source.FormatCSV)
	path := writeFile(t, "orders_1.csv", "Order ID,amount\n1,10.5\n2,20\n")

	r, err := New(path, src)
	require.NoError(t, err)

	t.Cleanup(func() { _ = r.Close() })

	require.NoError(t, r.Open())
	assert.Equal(t, []string{"Order ID", "amount"}, r.Fields())

	rows := drain(t, r)
	require.Len(t, rows, 2)
	assert.Equal(t, 1, rows[0].Number)
	assert.Equal(t, "1", rows[0].Fields["Order ID"])
	assert.Equal(t, "20", rows[1].Fields["amount"])
}

func TestCSVReaderSkipRowsAndBlankLines(t *testing.T) {
	src := testSource(t, source.FormatCSV)
	src.CSV.SkipRows = 2

	path := writeFile(t, "orders_1.csv",
		"generated by: export tool\n\nOrder ID,amount\n\n1,10.5\n")

	r, err := New(path, src)
	require.NoError(t, err)

	t.Cleanup(func() { _ = r.Close() })

	require.NoError(t, r.Open())

	rows := drain(t, r)
	require.Len(t, rows, 1)
	assert.Equal(t, "1", rows[0].Fields["Order ID"])
}

func TestCSVReaderMissingHeader(t *testing.T) {
	src := testSource(t, source.FormatCSV)
	path := writeFile(t, "orders_1.csv", "")

	r, err := New(path, src)
	require.NoError(t, err)

	t.Cleanup(func() { _ = r.Close() })

	err = r.Open()
	require.Error(t, err)
	assert.Equal(t, fault.KindMissingHeader, fault.KindOf(err))
}

func TestCSVReaderMissingRequiredColumn(t *testing.T) {
	src := testSource(t, source.FormatCSV)
	path := writeFile(t, "orders_1.csv", "amount,note\n10.5,hi\n")

	r, err := New(path, src)
	require.NoError(t, err)

	t.Cleanup(func() { _ = r.Close() })

	err = r.Open()
	require.Error(t, err)
	assert.Equal(t, fault.KindMissingColumns, fault.KindOf(err))
	assert.Contains(t, err.Error(), "Order ID")
}

func TestCSVReaderHeaderMatchIsCaseInsensitive(t *testing.T) {
	src := testSource(t, source.FormatCSV)
	path := writeFile(t, "orders_1.csv", "ORDER id,AMOUNT\n1,2\n")

	r, err := New(path, src)
	require.NoError(t, err)

	t.Cleanup(func() { _ = r.Close() })

	require.NoError(t, r.Open())
}

func TestCSVReaderPadsShortAndFlagsSurplusRows(t *testing.T) {
	src := testSource(t, source.FormatCSV)
	path := writeFile(t, "orders_1.csv", "Order ID,amount\n1\n2,20,extra\n")

	r, err := New(path, src)
	require.NoError(t, err)

	t.Cleanup(func() { _ = r.Close() })

	require.NoError(t, r.Open())

	rows := drain(t, r)
	require.Len(t, rows, 2)

	assert.NoError(t, rows[0].Malformed)
	assert.Equal(t, "", rows[0].Fields["amount"])

	require.Error(t, rows[1].Malformed)
	assert.Equal(t, 2, rows[1].Number)
}

func TestCSVReaderCustomDelimiter(t *testing.T) {
	src := testSource(t, source.FormatCSV)
	src.CSV.Delimiter = ";"

	path := writeFile(t, "orders_1.csv", "Order ID;amount\n1;10.5\n")

	r, err := New(path, src)
	require.NoError(t, err)

	t.Cleanup(func() { _ = r.Close() })

	require.NoError(t, r.Open())

	rows := drain(t, r)
	require.Len(t, rows, 1)
	assert.Equal(t, "10.5", rows[0].Fields["amount"])
}

func TestCSVReaderGzip(t *testing.T) {
	src := testSource(t, source.FormatCSV)
	path := filepath.Join(t.TempDir(), "orders_1.csv.gz")

	f, err := os.Create(path)
	require.NoError(t, err)

	gz := gzip.NewWriter(f)
	_, err = gz.Write([]byte("Order ID,amount\n1,10.5\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())

	r, err := New(path, src)
	require.NoError(t, err)

	t.Cleanup(func() { _ = r.Close() })

	require.NoError(t, r.Open())

	rows := drain(t, r)
	require.Len(t, rows, 1)
	assert.Equal(t, "1", rows[0].Fields["Order ID"])
}

func TestCSVReaderUTF8BOM(t *testing.T) {
	src := testSource(t, source.FormatCSV)
	path := writeFile(t, "orders_1.csv", "\xef\xbb\xbfOrder ID,amount\n1,10.5\n")

	r, err := New(path, src)
	require.NoError(t, err)

	t.Cleanup(func() { _ = r.Close() })

	require.NoError(t, r.Open())
	assert.Equal(t, "Order ID", r.Fields()[0])
}

func TestCSVReaderLatin1Encoding(t *testing.T) {
	src := testSource(t, source.FormatCSV)
	src.CSV.Encoding = "ISO-8859-1"

	// "café" with a latin-1 encoded é.
	path := writeFile(t, "orders_1.csv", "Order ID,amount,place\n1,2,caf\xe9\n")

	r, err := New(path, src)
	require.NoError(t, err)

	t.Cleanup(func() { _ = r.Close() })

	require.NoError(t, r.Open())

	rows := drain(t, r)
	require.Len(t, rows, 1)
	assert.Equal(t, "café", rows[0].Fields["place"])
}

func TestCSVReaderUnknownEncoding(t *testing.T) {
	src := testSource(t, source.FormatCSV)
	src.CSV.Encoding = "no-such-charset"

	path := writeFile(t, "orders_1.csv", "Order ID,amount\n")

	r, err := New(path, src)
	require.NoError(t, err)

	t.Cleanup(func() { _ = r.Close() })

	require.Error(t, r.Open())
}

func TestJSONReaderRootArray(t *testing.T) {
	src := testSource(t, source.FormatJSON)
	path := writeFile(t, "orders_1.json",
		`[{"Order ID": 1, "amount": 10.5}, {"Order ID": 2, "amount": 20}]`)

	r, err := New(path, src)
	require.NoError(t, err)

	t.Cleanup(func() { _ = r.Close() })

	require.NoError(t, r.Open())

	rows := drain(t, r)
	require.Len(t, rows, 2)
	assert.Equal(t, float64(1), rows[0].Fields["order id"])
	assert.Equal(t, float64(20), rows[1].Fields["amount"])
}

func TestJSONReaderArrayPathAndFlattening(t *testing.T) {
	src := testSource(t, source.FormatJSON)
	src.JSON.ArrayPath = "data.items"

	path := writeFile(t, "orders_1.json", `{
		"meta": {"count": 2},
		"data": {
			"skip": [1, 2],
			"items": [
				{"Order ID": 1, "Customer": {"Name": "Acme", "Tier": "gold"}},
				{"Order ID": 2, "Customer": {"Name": "Initech", "Tier": "bronze"}}
			]
		}
	}`)

	r, err := New(path, src)
	require.NoError(t, err)

	t.Cleanup(func() { _ = r.Close() })

	require.NoError(t, r.Open())

	rows := drain(t, r)
	require.Len(t, rows, 2)
	assert.Equal(t, "Acme", rows[0].Fields["customer_name"])
	assert.Equal(t, "bronze", rows[1].Fields["customer_tier"])
}

func TestJSONReaderEmptyArray(t *testing.T) {
	src := testSource(t, source.FormatJSON)
	path := writeFile(t, "orders_1.json", `[]`)

	r, err := New(path, src)
	require.NoError(t, err)

	t.Cleanup(func() { _ = r.Close() })

	err = r.Open()
	require.Error(t, err)
	assert.Equal(t, fault.KindMissingHeader, fault.KindOf(err))
}

func TestJSONReaderMissingArrayPath(t *testing.T) {
	src := testSource(t, source.FormatJSON)
	src.JSON.ArrayPath = "data.items"

	path := writeFile(t, "orders_1.json", `{"data": {"rows": []}}`)

	r, err := New(path, src)
	require.NoError(t, err)

	t.Cleanup(func() { _ = r.Close() })

	require.ErrorIs(t, r.Open(), ErrArrayPathNotFound)
}

func TestJSONReaderNonObjectItem(t *testing.T) {
	src := testSource(t, source.FormatJSON)
	path := writeFile(t, "orders_1.json", `[42]`)

	r, err := New(path, src)
	require.NoError(t, err)

	t.Cleanup(func() { _ = r.Close() })

	require.ErrorIs(t, r.Open(), ErrItemNotObject)
}

func writeWorkbook(t *testing.T, rows [][]any) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "orders_1.xlsx")

	f := excelize.NewFile()
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &row))
	}

	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	return path
}

func TestExcelReaderStreamsRows(t *testing.T) {
	src := testSource(t, source.FormatExcel)
	path := writeWorkbook(t, [][]any{
		{"Order ID", "amount"},
		{1, 10.5},
		{2, 20},
	})

	r, err := New(path, src)
	require.NoError(t, err)

	t.Cleanup(func() { _ = r.Close() })

	require.NoError(t, r.Open())
	assert.Equal(t, []string{"Order ID", "amount"}, r.Fields())

	rows := drain(t, r)
	require.Len(t, rows, 2)
	assert.Equal(t, "1", rows[0].Fields["Order ID"])
	assert.Equal(t, "10.5", rows[0].Fields["amount"])
}

func TestExcelReaderSkipRows(t *testing.T) {
	src := testSource(t, source.FormatExcel)
	src.Excel.SkipRows = 1

	path := writeWorkbook(t, [][]any{
		{"export generated 2026-08-01"},
		{"Order ID", "amount"},
		{7, 1.25},
	})

	r, err := New(path, src)
	require.NoError(t, err)

	t.Cleanup(func() { _ = r.Close() })

	require.NoError(t, r.Open())

	rows := drain(t, r)
	require.Len(t, rows, 1)
	assert.Equal(t, "7", rows[0].Fields["Order ID"])
}

func TestExcelReaderMissingSheet(t *testing.T) {
	src := testSource(t, source.FormatExcel)
	src.Excel.Sheet = "NoSuchSheet"

	path := writeWorkbook(t, [][]any{{"Order ID", "amount"}})

	r, err := New(path, src)
	require.NoError(t, err)

	t.Cleanup(func() { _ = r.Close() })

	require.ErrorIs(t, r.Open(), ErrNoSheet)
}

func TestExcelReaderRejectsCorruptWorkbook(t *testing.T) {
	src := testSource(t, source.FormatExcel)
	path := writeFile(t, "orders_1.xls", "not a spreadsheet at all")

	r, err := New(path, src)
	require.NoError(t, err)

	t.Cleanup(func() { _ = r.Close() })

	err = r.Open()
	require.Error(t, err)
	assert.Equal(t, fault.KindUnsupportedFormat, fault.KindOf(err))
}
