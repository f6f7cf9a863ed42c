package xlsx

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestSheetName(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Lapset 2024", SheetName(" Lapset 2024 "))
	require.Equal(t, "ab", SheetName("[a]:*?/\\b"))
	require.Equal(t, "data", SheetName(" ?* "))
	require.Equal(t, strings.Repeat("ä", 31), SheetName(strings.Repeat("ä", 40)))
}

func TestWidth(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0.0, Width(0))
	require.InDelta(t, 1.9, Width(1), 1e-9)
	require.Greater(t, Width(10), Width(5))
	require.Equal(t, float64(maxColWidth), Width(1000))
}

func TestWorkbookRoundTrip(t *testing.T) {
	t.Parallel()

	wb, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = wb.Close() })

	children, err := wb.AddSheet("Lapset", []string{"Nimi", "Syntymäaika", "Tunnit", "Lkm", "Huom"})
	require.NoError(t, err)
	born := time.Date(2020, 5, 1, 13, 45, 0, 0, time.UTC)
	var missing *time.Time
	require.NoError(t, children.WriteRow("Aino Aalto", born, 40.5, int64(0), ""))
	require.NoError(t, children.WriteRow("Eino", missing, nil, 3, "pitkä huomautus"))
	require.Equal(t, 2, children.Rows())

	_, err = wb.AddSheet("lapset", nil)
	require.Error(t, err)

	fees, err := wb.AddSheet("Maksut", []string{"Id"})
	require.NoError(t, err)
	require.Equal(t, "Maksut", fees.Name())
	require.Equal(t, []int{2, 0}, wb.RowsPerSheet())

	path := filepath.Join(t.TempDir(), "raportti.xlsx")
	require.NoError(t, wb.SaveAs(path))

	f, err := excelize.OpenFile(path, excelize.Options{RawCellValue: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	require.Equal(t, []string{"Lapset", "Maksut"}, f.GetSheetList())
	require.Equal(t, 0, f.GetActiveSheetIndex())

	cell := func(sheet, axis string) string {
		v, err := f.GetCellValue(sheet, axis)
		require.NoError(t, err)
		return v
	}
	require.Equal(t, "Nimi", cell("Lapset", "A1"))
	require.Equal(t, "Aino Aalto", cell("Lapset", "A2"))
	// 2020-05-01 as an Excel serial date, time of day dropped
	require.Equal(t, "43952", cell("Lapset", "B2"))
	require.Equal(t, "40.5", cell("Lapset", "C2"))
	require.Equal(t, "0", cell("Lapset", "D2"))
	require.Empty(t, cell("Lapset", "E2"))
	require.Empty(t, cell("Lapset", "B3"))
	require.Empty(t, cell("Lapset", "C3"))
	require.Equal(t, "3", cell("Lapset", "D3"))

	styleID, err := f.GetCellStyle("Lapset", "B2")
	require.NoError(t, err)
	style, err := f.GetStyle(styleID)
	require.NoError(t, err)
	require.NotNil(t, style.CustomNumFmt)
	require.Equal(t, dateFormat, *style.CustomNumFmt)

	headerID, err := f.GetCellStyle("Lapset", "A1")
	require.NoError(t, err)
	header, err := f.GetStyle(headerID)
	require.NoError(t, err)
	require.True(t, header.Font.Bold)

	width, err := f.GetColWidth("Lapset", "E")
	require.NoError(t, err)
	require.InDelta(t, Width(len([]rune("pitkä huomautus"))), width, 0.01)

	panes, err := f.GetPanes("Lapset")
	require.NoError(t, err)
	require.True(t, panes.Freeze)
	require.Equal(t, 1, panes.YSplit)
}

func TestSaveRequiresSheet(t *testing.T) {
	t.Parallel()

	wb, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = wb.Close() })
	require.Error(t, wb.SaveAs(filepath.Join(t.TempDir(), "tyhja.xlsx")))
}
