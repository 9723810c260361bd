// Package grid hosts the tabular room machinery: a headless rectangular
// grid widget model, the engine binding it to the replicated document, and
// the presence overlay renderer.
package grid

import "fmt"

// Span is a cell merge extent.
type Span struct {
	ColSpan int
	RowSpan int
}

// Listener receives widget edit callbacks. The binding engine registers
// itself here to translate edits into document transactions.
type Listener interface {
	CellChanged(row, col int, text string)
	RowInserted(index int)
	RowDeleted(index int)
	ColInserted(index int)
	ColDeleted(index int)
	StyleChanged(row, col int, style string)
	ColResized(col int, width float64)
	RowResized(row int, height float64)
	MergeChanged(cellName string, span *Span) // nil span removes the merge
}

// Sheet is the rectangular-grid widget model: raw cell text, styles,
// merges and sizing, with formula display values computed on demand.
// All mutation methods notify the registered listener; it is the
// listener's job to suppress echoes while replaying remote changes.
type Sheet struct {
	rows       [][]string
	cols       int
	styles     map[string]string // "row,col" -> style
	colWidths  map[int]float64
	rowHeights map[int]float64
	merges     map[string]Span // "A1" name -> span
	overlays   map[string]Overlay
	listener   Listener
}

// NewSheet creates an empty sheet with the given column count.
func NewSheet(cols int) *Sheet {
	return &Sheet{
		cols:       cols,
		styles:     make(map[string]string),
		colWidths:  make(map[int]float64),
		rowHeights: make(map[int]float64),
		merges:     make(map[string]Span),
		overlays:   make(map[string]Overlay),
	}
}

// SetListener registers the edit callback sink.
func (s *Sheet) SetListener(l Listener) { s.listener = l }

func (s *Sheet) NumRows() int { return len(s.rows) }
func (s *Sheet) NumCols() int { return s.cols }

// Cell returns the raw text of a cell, "" when out of bounds.
func (s *Sheet) Cell(row, col int) string {
	if row < 0 || row >= len(s.rows) || col < 0 || col >= s.cols {
		return ""
	}
	return s.rows[row][col]
}

// SetCell writes raw cell text, growing the grid if needed.
func (s *Sheet) SetCell(row, col int, text string) {
	if row < 0 || col < 0 {
		return
	}
	for len(s.rows) <= row {
		s.rows = append(s.rows, make([]string, s.cols))
	}
	if col >= s.cols {
		s.SetNumCols(col + 1)
	}
	if s.rows[row][col] == text {
		return
	}
	s.rows[row][col] = text
	if s.listener != nil {
		s.listener.CellChanged(row, col, text)
	}
}

// InsertRow inserts a blank row before index.
func (s *Sheet) InsertRow(index int) {
	if index < 0 {
		index = 0
	}
	if index > len(s.rows) {
		index = len(s.rows)
	}
	row := make([]string, s.cols)
	s.rows = append(s.rows, nil)
	copy(s.rows[index+1:], s.rows[index:])
	s.rows[index] = row
	if s.listener != nil {
		s.listener.RowInserted(index)
	}
}

// DeleteRow removes the row at index.
func (s *Sheet) DeleteRow(index int) {
	if index < 0 || index >= len(s.rows) {
		return
	}
	s.rows = append(s.rows[:index], s.rows[index+1:]...)
	if s.listener != nil {
		s.listener.RowDeleted(index)
	}
}

// InsertCol inserts a blank column before index, shifting cells right.
func (s *Sheet) InsertCol(index int) {
	if index < 0 {
		index = 0
	}
	if index > s.cols {
		index = s.cols
	}
	s.cols++
	for i, row := range s.rows {
		row = append(row, "")
		copy(row[index+1:], row[index:])
		row[index] = ""
		s.rows[i] = row
	}
	if s.listener != nil {
		s.listener.ColInserted(index)
	}
}

// DeleteCol removes the column at index, shifting cells left.
func (s *Sheet) DeleteCol(index int) {
	if index < 0 || index >= s.cols || s.cols == 1 {
		return
	}
	s.cols--
	for i, row := range s.rows {
		s.rows[i] = append(row[:index], row[index+1:]...)
	}
	if s.listener != nil {
		s.listener.ColDeleted(index)
	}
}

// SetNumCols grows or shrinks the column count at the right edge, without
// firing structural callbacks. Used when replaying a remote column-count
// change whose cell shifts arrive as individual cell writes.
func (s *Sheet) SetNumCols(cols int) {
	if cols < 1 || cols == s.cols {
		return
	}
	for i, row := range s.rows {
		if cols > s.cols {
			grown := make([]string, cols)
			copy(grown, row)
			s.rows[i] = grown
		} else {
			s.rows[i] = row[:cols]
		}
	}
	s.cols = cols
}

func styleKey(row, col int) string { return fmt.Sprintf("%d,%d", row, col) }

// Style returns the style string of a cell.
func (s *Sheet) Style(row, col int) string { return s.styles[styleKey(row, col)] }

// SetStyle records a cell style.
func (s *Sheet) SetStyle(row, col int, style string) {
	k := styleKey(row, col)
	if s.styles[k] == style {
		return
	}
	if style == "" {
		delete(s.styles, k)
	} else {
		s.styles[k] = style
	}
	if s.listener != nil {
		s.listener.StyleChanged(row, col, style)
	}
}

// SetColWidth records a column width.
func (s *Sheet) SetColWidth(col int, width float64) {
	if s.colWidths[col] == width {
		return
	}
	s.colWidths[col] = width
	if s.listener != nil {
		s.listener.ColResized(col, width)
	}
}

// ColWidth returns the recorded width of a column (0 = default).
func (s *Sheet) ColWidth(col int) float64 { return s.colWidths[col] }

// SetRowHeight records a row height.
func (s *Sheet) SetRowHeight(row int, height float64) {
	if s.rowHeights[row] == height {
		return
	}
	s.rowHeights[row] = height
	if s.listener != nil {
		s.listener.RowResized(row, height)
	}
}

// RowHeight returns the recorded height of a row (0 = default).
func (s *Sheet) RowHeight(row int) float64 { return s.rowHeights[row] }

// SetMerge records a merge anchored at the named cell.
func (s *Sheet) SetMerge(cellName string, span Span) {
	if cur, ok := s.merges[cellName]; ok && cur == span {
		return
	}
	s.merges[cellName] = span
	if s.listener != nil {
		s.listener.MergeChanged(cellName, &span)
	}
}

// RemoveMerge drops the merge anchored at the named cell.
func (s *Sheet) RemoveMerge(cellName string) {
	if _, ok := s.merges[cellName]; !ok {
		return
	}
	delete(s.merges, cellName)
	if s.listener != nil {
		s.listener.MergeChanged(cellName, nil)
	}
}

// Merge returns the merge anchored at the named cell.
func (s *Sheet) Merge(cellName string) (Span, bool) {
	sp, ok := s.merges[cellName]
	return sp, ok
}
