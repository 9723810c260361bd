package grid

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCellName(t *testing.T) {
	assert.Equal(t, CellName(0, 0), "A1")
	assert.Equal(t, CellName(9, 2), "C10")
	assert.Equal(t, CellName(4, 25), "Z5")
	assert.Equal(t, CellName(4, 26), "AA5")
	assert.Equal(t, CellName(0, 27), "AB1")
}

func TestParseCellName(t *testing.T) {
	row, col, err := ParseCellName("A1")
	assert.Equal(t, err, nil)
	assert.Equal(t, row, 0)
	assert.Equal(t, col, 0)

	row, col, err = ParseCellName("AB12")
	assert.Equal(t, err, nil)
	assert.Equal(t, row, 11)
	assert.Equal(t, col, 27)

	// round trip over an irregular sample
	for _, cell := range []struct{ row, col int }{
		{0, 0}, {7, 25}, {99, 26}, {3, 51}, {0, 702},
	} {
		r, c, err := ParseCellName(CellName(cell.row, cell.col))
		assert.Equal(t, err, nil)
		assert.Equal(t, r, cell.row)
		assert.Equal(t, c, cell.col)
	}

	for _, bad := range []string{"", "A", "1", "A0", "1A", "A1B", "a1"} {
		_, _, err := ParseCellName(bad)
		assert.NotEqual(t, err, nil)
	}
}

func TestParseRange(t *testing.T) {
	rng, err := ParseRange("B2")
	assert.Equal(t, err, nil)
	assert.Equal(t, rng, Range{StartRow: 1, StartCol: 1, EndRow: 1, EndCol: 1})

	rng, err = ParseRange("A1:B3")
	assert.Equal(t, err, nil)
	assert.Equal(t, rng, Range{StartRow: 0, StartCol: 0, EndRow: 2, EndCol: 1})

	// reversed corners normalize
	rng, err = ParseRange("B3:A1")
	assert.Equal(t, err, nil)
	assert.Equal(t, rng, Range{StartRow: 0, StartCol: 0, EndRow: 2, EndCol: 1})

	_, err = ParseRange("A1:")
	assert.NotEqual(t, err, nil)
	_, err = ParseRange(":B2")
	assert.NotEqual(t, err, nil)
}
