package grid

import (
	"fmt"
	"strconv"
	"strings"

	"collabsync/internal/crdt"
)

// Named containers of a tabular room's document.
const (
	ContainerData          = "data"
	ContainerStyles        = "styles"
	ContainerColWidths     = "colWidths"
	ContainerRowHeights    = "rowHeights"
	ContainerMerges        = "merges"
	ContainerMeta          = "meta"
	ContainerFormulaValues = "formulaValues"

	MetaColCount = "colCount"
)

// BootstrapReplica is the constant synthetic author identity of the empty
// grid update. Every first-joiner builds the byte-identical update, so two
// racing bootstrap applications merge idempotently.
const BootstrapReplica = "grid-bootstrap"

// DeferFunc schedules a function onto the room's next scheduling tick.
type DeferFunc func(fn func())

// UpdateSink receives the binary updates produced by the binding's own
// transactions, for broadcast to connected replicas.
type UpdateSink func(update []byte)

// Binding keeps a Sheet widget model and the document's tabular containers
// mutually consistent without feedback loops. It owns no goroutines; the
// room actor calls it while holding the room.
type Binding struct {
	doc     *crdt.Doc
	sheet   *Sheet
	deferFn DeferFunc
	emitFn  UpdateSink

	rowIndex     map[*crdt.Map]int
	formulaCells map[string]struct{} // "row,col" of cells holding formulas

	replaying      bool // suppresses the local edit path during remote replay
	refreshPending bool
	detached       bool
	unobserve      []func()
}

// NewBinding attaches a binding between doc and sheet. Existing document
// content (from a loaded snapshot) is replayed into the sheet immediately.
func NewBinding(doc *crdt.Doc, sheet *Sheet, deferFn DeferFunc, sink UpdateSink) *Binding {
	b := &Binding{
		doc:          doc,
		sheet:        sheet,
		deferFn:      deferFn,
		emitFn:       sink,
		rowIndex:     make(map[*crdt.Map]int),
		formulaCells: make(map[string]struct{}),
	}
	b.syncSheetFromDoc()
	b.unobserve = []func(){
		doc.Observe(ContainerData, b.onDataChange),
		doc.Observe(ContainerStyles, b.onStylesChange),
		doc.Observe(ContainerColWidths, b.onColWidthsChange),
		doc.Observe(ContainerRowHeights, b.onRowHeightsChange),
		doc.Observe(ContainerMerges, b.onMergesChange),
		doc.Observe(ContainerMeta, b.onMetaChange),
	}
	sheet.SetListener(b)
	return b
}

// Detach tears the binding down: observers removed, no further edits
// translated in either direction.
func (b *Binding) Detach() {
	b.detached = true
	b.sheet.SetListener(nil)
	for _, un := range b.unobserve {
		un()
	}
	b.unobserve = nil
}

func (b *Binding) emit(update []byte) {
	if len(update) > 0 && b.emitFn != nil {
		b.emitFn(update)
	}
}

// colCount reads the authoritative column count from the document.
func (b *Binding) colCount() int {
	meta := b.doc.GetMap(ContainerMeta)
	if n, ok := meta.GetNumber(MetaColCount); ok && n >= 1 {
		return int(n)
	}
	return b.sheet.NumCols()
}

func cellKey(row, col int) string { return fmt.Sprintf("%d,%d", row, col) }

// ---------------------------------------------------------------------------
// Bootstrap

// BootstrapUpdate builds the fixed pre-serialized update creating a blank
// rows x cols grid. The update is deterministic for given dimensions: same
// synthetic replica, same op ids, same bytes.
func BootstrapUpdate(rows, cols int) []byte {
	d := crdt.NewDoc(BootstrapReplica)
	data := d.GetArray(ContainerData)
	meta := d.GetMap(ContainerMeta)
	update, _ := d.Transact(func(t *crdt.Txn) {
		for r := 0; r < rows; r++ {
			row := t.AppendRow(data)
			for c := 0; c < cols; c++ {
				t.SetEntry(row, strconv.Itoa(c), "")
			}
		}
		t.SetEntry(meta, MetaColCount, float64(cols))
	})
	return update
}

// Bootstrap populates an empty document with the blank grid, or compacts
// rows beyond the default height left over by a prior non-idempotent
// bootstrap.
func (b *Binding) Bootstrap(rows, cols int) error {
	data := b.doc.GetArray(ContainerData)
	if data.Len() == 0 {
		// The fixed update merges idempotently: two racing first-joiners
		// both apply it and converge on exactly `rows` rows.
		return b.doc.ApplyUpdate(BootstrapUpdate(rows, cols))
	}
	if data.Len() <= rows {
		return nil
	}
	// Tail compaction: keep everything up to the last non-empty row.
	lastUsed := -1
	for i := data.Len() - 1; i >= 0; i-- {
		if rowHasContent(data.Get(i)) {
			lastUsed = i
			break
		}
	}
	keep := lastUsed + 1
	if keep < rows {
		keep = rows
	}
	update, err := b.doc.Transact(func(t *crdt.Txn) {
		for i := data.Len() - 1; i >= keep; i-- {
			t.DeleteRow(data, i)
		}
	})
	if err != nil {
		return err
	}
	b.replaying = true
	for i := b.sheet.NumRows() - 1; i >= keep; i-- {
		b.sheet.DeleteRow(i)
	}
	b.replaying = false
	b.rebuildRowIndex()
	b.emit(update)
	return nil
}

func rowHasContent(row *crdt.Map) bool {
	if row == nil {
		return false
	}
	for _, k := range row.Keys() {
		if row.GetString(k) != "" {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Local -> document (Sheet Listener implementation)

func (b *Binding) CellChanged(row, col int, text string) {
	if b.replaying || b.detached {
		return
	}
	data := b.doc.GetArray(ContainerData)
	update, err := b.doc.Transact(func(t *crdt.Txn) {
		rec := data.Get(row)
		if rec == nil {
			return
		}
		t.SetEntry(rec, strconv.Itoa(col), text)
	})
	if err != nil {
		return
	}
	b.trackFormulaCell(row, col, text)
	b.scheduleRefresh()
	b.emit(update)
}

func (b *Binding) RowInserted(index int) {
	if b.replaying || b.detached {
		return
	}
	data := b.doc.GetArray(ContainerData)
	cols := b.colCount()
	update, err := b.doc.Transact(func(t *crdt.Txn) {
		rec := t.InsertRow(data, index)
		for c := 0; c < cols; c++ {
			t.SetEntry(rec, strconv.Itoa(c), "")
		}
	})
	if err != nil {
		return
	}
	b.afterStructuralChange()
	b.emit(update)
}

func (b *Binding) RowDeleted(index int) {
	if b.replaying || b.detached {
		return
	}
	data := b.doc.GetArray(ContainerData)
	update, err := b.doc.Transact(func(t *crdt.Txn) {
		t.DeleteRow(data, index)
	})
	if err != nil {
		return
	}
	b.afterStructuralChange()
	b.emit(update)
}

// ColInserted rewrites every row record to keep the contiguous-keys
// invariant: keys at and beyond index shift right, the freed key blanks,
// and the column count bumps, all in one transaction.
func (b *Binding) ColInserted(index int) {
	if b.replaying || b.detached {
		return
	}
	data := b.doc.GetArray(ContainerData)
	meta := b.doc.GetMap(ContainerMeta)
	cols := b.colCount()
	update, err := b.doc.Transact(func(t *crdt.Txn) {
		for _, rec := range data.Rows() {
			for c := cols - 1; c >= index; c-- {
				t.SetEntry(rec, strconv.Itoa(c+1), rec.GetString(strconv.Itoa(c)))
			}
			t.SetEntry(rec, strconv.Itoa(index), "")
		}
		t.SetEntry(meta, MetaColCount, float64(cols+1))
	})
	if err != nil {
		return
	}
	b.afterStructuralChange()
	b.emit(update)
}

// ColDeleted shifts keys beyond index left and drops the last key of every
// row record.
func (b *Binding) ColDeleted(index int) {
	if b.replaying || b.detached {
		return
	}
	data := b.doc.GetArray(ContainerData)
	meta := b.doc.GetMap(ContainerMeta)
	cols := b.colCount()
	if cols <= 1 || index >= cols {
		return
	}
	update, err := b.doc.Transact(func(t *crdt.Txn) {
		for _, rec := range data.Rows() {
			for c := index; c < cols-1; c++ {
				t.SetEntry(rec, strconv.Itoa(c), rec.GetString(strconv.Itoa(c+1)))
			}
			t.DeleteEntry(rec, strconv.Itoa(cols-1))
		}
		t.SetEntry(meta, MetaColCount, float64(cols-1))
	})
	if err != nil {
		return
	}
	b.afterStructuralChange()
	b.emit(update)
}

func (b *Binding) StyleChanged(row, col int, style string) {
	if b.replaying || b.detached {
		return
	}
	styles := b.doc.GetMap(ContainerStyles)
	update, err := b.doc.Transact(func(t *crdt.Txn) {
		if style == "" {
			t.DeleteEntry(styles, cellKey(row, col))
		} else {
			t.SetEntry(styles, cellKey(row, col), style)
		}
	})
	if err != nil {
		return
	}
	b.emit(update)
}

func (b *Binding) ColResized(col int, width float64) {
	if b.replaying || b.detached {
		return
	}
	widths := b.doc.GetMap(ContainerColWidths)
	update, err := b.doc.Transact(func(t *crdt.Txn) {
		t.SetEntry(widths, strconv.Itoa(col), width)
	})
	if err != nil {
		return
	}
	b.emit(update)
}

func (b *Binding) RowResized(row int, height float64) {
	if b.replaying || b.detached {
		return
	}
	heights := b.doc.GetMap(ContainerRowHeights)
	update, err := b.doc.Transact(func(t *crdt.Txn) {
		t.SetEntry(heights, strconv.Itoa(row), height)
	})
	if err != nil {
		return
	}
	b.emit(update)
}

func (b *Binding) MergeChanged(cellName string, span *Span) {
	if b.replaying || b.detached {
		return
	}
	merges := b.doc.GetMap(ContainerMerges)
	update, err := b.doc.Transact(func(t *crdt.Txn) {
		if span == nil {
			t.DeleteEntry(merges, cellName)
		} else {
			t.SetEntry(merges, cellName, fmt.Sprintf("%d,%d", span.ColSpan, span.RowSpan))
		}
	})
	if err != nil {
		return
	}
	b.emit(update)
}

// ---------------------------------------------------------------------------
// Document -> widget (remote replay)

func (b *Binding) onDataChange(events []crdt.Event, local bool) {
	if local || b.detached {
		return
	}
	b.replaying = true
	defer func() { b.replaying = false }()

	structural := false
	for _, ev := range events {
		switch ev.Kind {
		case crdt.RowInserted:
			b.sheet.InsertRow(ev.Index)
			b.rebuildRowIndex()
			structural = true
		case crdt.RowDeleted:
			b.sheet.DeleteRow(ev.Index)
			b.rebuildRowIndex()
			structural = true
		case crdt.CellSet:
			idx, ok := b.rowIndex[ev.Row]
			if !ok {
				b.rebuildRowIndex()
				idx, ok = b.rowIndex[ev.Row]
				if !ok {
					continue
				}
			}
			col, err := strconv.Atoi(ev.Key)
			if err != nil {
				continue
			}
			text, _ := ev.Value.(string)
			b.sheet.SetCell(idx, col, text)
			if !structural {
				b.trackFormulaCell(idx, col, text)
			}
		case crdt.CellDeleted:
			idx, ok := b.rowIndex[ev.Row]
			if !ok {
				continue
			}
			col, err := strconv.Atoi(ev.Key)
			if err != nil || col >= b.sheet.NumCols() {
				continue
			}
			b.sheet.SetCell(idx, col, "")
			if !structural {
				delete(b.formulaCells, cellKey(idx, col))
			}
		}
	}
	if structural {
		b.rebuildFormulaCells()
	}
	b.scheduleRefresh()
}

func (b *Binding) onStylesChange(events []crdt.Event, local bool) {
	if local || b.detached {
		return
	}
	b.replaying = true
	defer func() { b.replaying = false }()
	for _, ev := range events {
		row, col, ok := parseCellKey(ev.Key)
		if !ok {
			continue
		}
		switch ev.Kind {
		case crdt.EntrySet:
			style, _ := ev.Value.(string)
			b.sheet.SetStyle(row, col, style)
		case crdt.EntryDeleted:
			b.sheet.SetStyle(row, col, "")
		}
	}
}

func (b *Binding) onColWidthsChange(events []crdt.Event, local bool) {
	if local || b.detached {
		return
	}
	b.replaying = true
	defer func() { b.replaying = false }()
	for _, ev := range events {
		if ev.Kind != crdt.EntrySet {
			continue
		}
		col, err := strconv.Atoi(ev.Key)
		if err != nil {
			continue
		}
		if w, ok := toNumber(ev.Value); ok {
			b.sheet.SetColWidth(col, w)
		}
	}
}

func (b *Binding) onRowHeightsChange(events []crdt.Event, local bool) {
	if local || b.detached {
		return
	}
	b.replaying = true
	defer func() { b.replaying = false }()
	for _, ev := range events {
		if ev.Kind != crdt.EntrySet {
			continue
		}
		row, err := strconv.Atoi(ev.Key)
		if err != nil {
			continue
		}
		if h, ok := toNumber(ev.Value); ok {
			b.sheet.SetRowHeight(row, h)
		}
	}
}

func (b *Binding) onMergesChange(events []crdt.Event, local bool) {
	if local || b.detached {
		return
	}
	b.replaying = true
	defer func() { b.replaying = false }()
	for _, ev := range events {
		switch ev.Kind {
		case crdt.EntrySet:
			if span, ok := parseSpan(ev.Value); ok {
				b.sheet.SetMerge(ev.Key, span)
			}
		case crdt.EntryDeleted:
			b.sheet.RemoveMerge(ev.Key)
		}
	}
}

func (b *Binding) onMetaChange(events []crdt.Event, local bool) {
	if local || b.detached {
		return
	}
	b.replaying = true
	defer func() { b.replaying = false }()
	for _, ev := range events {
		if ev.Kind == crdt.EntrySet && ev.Key == MetaColCount {
			if n, ok := toNumber(ev.Value); ok {
				b.sheet.SetNumCols(int(n))
			}
		}
	}
}

// syncSheetFromDoc replays the full document into a fresh widget. Used at
// attach time, after a snapshot cold start.
func (b *Binding) syncSheetFromDoc() {
	b.replaying = true
	defer func() { b.replaying = false }()

	if n, ok := b.doc.GetMap(ContainerMeta).GetNumber(MetaColCount); ok && n >= 1 {
		b.sheet.SetNumCols(int(n))
	}
	data := b.doc.GetArray(ContainerData)
	for i, rec := range data.Rows() {
		b.sheet.InsertRow(i)
		for _, k := range rec.Keys() {
			col, err := strconv.Atoi(k)
			if err != nil {
				continue
			}
			if text := rec.GetString(k); text != "" {
				b.sheet.SetCell(i, col, text)
			}
		}
	}
	styles := b.doc.GetMap(ContainerStyles)
	for _, k := range styles.Keys() {
		if row, col, ok := parseCellKey(k); ok {
			b.sheet.SetStyle(row, col, styles.GetString(k))
		}
	}
	widths := b.doc.GetMap(ContainerColWidths)
	for _, k := range widths.Keys() {
		if col, err := strconv.Atoi(k); err == nil {
			if w, ok := widths.GetNumber(k); ok {
				b.sheet.SetColWidth(col, w)
			}
		}
	}
	heights := b.doc.GetMap(ContainerRowHeights)
	for _, k := range heights.Keys() {
		if row, err := strconv.Atoi(k); err == nil {
			if h, ok := heights.GetNumber(k); ok {
				b.sheet.SetRowHeight(row, h)
			}
		}
	}
	merges := b.doc.GetMap(ContainerMerges)
	for _, k := range merges.Keys() {
		if v, ok := merges.Get(k); ok {
			if span, ok := parseSpan(v); ok {
				b.sheet.SetMerge(k, span)
			}
		}
	}
	b.rebuildRowIndex()
	b.rebuildFormulaCells()
}

// ---------------------------------------------------------------------------
// Indexes and formula shadowing

// rebuildRowIndex recomputes the row-identity -> row-number reverse index.
// Row identity is the only stable handle across index shifts, so the index
// is rebuilt wholesale after any structural change.
func (b *Binding) rebuildRowIndex() {
	b.rowIndex = make(map[*crdt.Map]int)
	for i, rec := range b.doc.GetArray(ContainerData).Rows() {
		b.rowIndex[rec] = i
	}
}

func (b *Binding) trackFormulaCell(row, col int, text string) {
	k := cellKey(row, col)
	if IsFormula(text) {
		b.formulaCells[k] = struct{}{}
	} else {
		delete(b.formulaCells, k)
	}
}

// rebuildFormulaCells rescans the document for formula cells. Needed after
// structural changes, which shift the "row,col" keys wholesale.
func (b *Binding) rebuildFormulaCells() {
	b.formulaCells = make(map[string]struct{})
	for i, rec := range b.doc.GetArray(ContainerData).Rows() {
		for _, k := range rec.Keys() {
			if IsFormula(rec.GetString(k)) {
				if col, err := strconv.Atoi(k); err == nil {
					b.formulaCells[cellKey(i, col)] = struct{}{}
				}
			}
		}
	}
}

func (b *Binding) afterStructuralChange() {
	b.rebuildRowIndex()
	b.rebuildFormulaCells()
	b.scheduleRefresh()
}

// scheduleRefresh arms one deferred formula refresh pass. Re-arming while
// a pass is pending is a no-op, so a burst of edits pays for one pass.
func (b *Binding) scheduleRefresh() {
	if b.refreshPending {
		return
	}
	b.refreshPending = true
	b.deferFn(func() {
		b.refreshPending = false
		if b.detached {
			return
		}
		b.RefreshFormulaValues()
	})
}

// RefreshFormulaValues reads the computed display value of every tracked
// formula cell back from the widget and reconciles the formulaValues
// container: additions, updates and removals. External consumers read
// formulaValues, never raw formula text.
func (b *Binding) RefreshFormulaValues() {
	values := b.doc.GetMap(ContainerFormulaValues)
	update, err := b.doc.Transact(func(t *crdt.Txn) {
		for k := range b.formulaCells {
			row, col, ok := parseCellKey(k)
			if !ok {
				continue
			}
			computed := b.sheet.DisplayValue(row, col)
			if values.GetString(k) != computed {
				t.SetEntry(values, k, computed)
			}
		}
		for _, k := range values.Keys() {
			if _, tracked := b.formulaCells[k]; !tracked {
				t.DeleteEntry(values, k)
			}
		}
	})
	if err != nil {
		return
	}
	b.emit(update)
}

// ---------------------------------------------------------------------------

func parseCellKey(key string) (row, col int, ok bool) {
	r, c, found := strings.Cut(key, ",")
	if !found {
		return 0, 0, false
	}
	row, err1 := strconv.Atoi(r)
	col, err2 := strconv.Atoi(c)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return row, col, true
}

func parseSpan(v any) (Span, bool) {
	s, ok := v.(string)
	if !ok {
		return Span{}, false
	}
	cs, rs, found := strings.Cut(s, ",")
	if !found {
		return Span{}, false
	}
	colSpan, err1 := strconv.Atoi(cs)
	rowSpan, err2 := strconv.Atoi(rs)
	if err1 != nil || err2 != nil {
		return Span{}, false
	}
	return Span{ColSpan: colSpan, RowSpan: rowSpan}, true
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
