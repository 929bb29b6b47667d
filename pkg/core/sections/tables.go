package sections

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Grid is one HTML table flattened to rows of cell text. Colspan and
// rowspan are resolved by exploding each cell across the slots it
// covers, so column positions line up even in presentation-heavy
// filings where a label spans several physical columns.
type Grid [][]string

// ParseTables extracts every table in the document as a Grid, in
// document order. Tables with no rows are dropped.
func ParseTables(raw []byte) []Grid {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil
	}

	var grids []Grid
	doc.Find("table").Each(func(_ int, table *goquery.Selection) {
		if table.Find("table").Length() > 0 {
			// Nested tables are visited on their own; parsing the
			// outer one would double-count the inner cells.
			return
		}
		if g := gridFromTable(table); len(g) > 0 {
			grids = append(grids, g)
		}
	})
	return grids
}

func gridFromTable(table *goquery.Selection) Grid {
	rows := table.Find("tr")
	if rows.Length() == 0 {
		return nil
	}

	// Pre-scan for the widest row so the grid can be allocated up
	// front; rowspan fills may still land outside and are clipped.
	maxCols := 0
	rows.Each(func(_ int, tr *goquery.Selection) {
		cols := 0
		tr.Find("td, th").Each(func(_ int, cell *goquery.Selection) {
			cols += spanAttr(cell, "colspan")
		})
		if cols > maxCols {
			maxCols = cols
		}
	})
	if maxCols == 0 {
		return nil
	}

	rowCount := rows.Length()
	grid := make([][]string, rowCount)
	taken := make([][]bool, rowCount)
	for i := range grid {
		grid[i] = make([]string, maxCols)
		taken[i] = make([]bool, maxCols)
	}

	rowIdx := 0
	rows.Each(func(_ int, tr *goquery.Selection) {
		colIdx := 0
		tr.Find("td, th").Each(func(_ int, cell *goquery.Selection) {
			for colIdx < maxCols && taken[rowIdx][colIdx] {
				colIdx++
			}
			if colIdx >= maxCols {
				return
			}

			colspan := spanAttr(cell, "colspan")
			rowspan := spanAttr(cell, "rowspan")
			text := cellText(cell)

			for r := 0; r < rowspan && rowIdx+r < rowCount; r++ {
				for c := 0; c < colspan && colIdx+c < maxCols; c++ {
					taken[rowIdx+r][colIdx+c] = true
					if r == 0 && c == 0 {
						grid[rowIdx+r][colIdx+c] = text
					}
				}
			}
			colIdx += colspan
		})
		rowIdx++
	})
	return grid
}

func spanAttr(cell *goquery.Selection, name string) int {
	n, err := strconv.Atoi(cell.AttrOr(name, "1"))
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func cellText(cell *goquery.Selection) string {
	return strings.Join(strings.Fields(cell.Text()), " ")
}
