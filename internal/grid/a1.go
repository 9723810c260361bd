package grid

import (
	"fmt"
	"strings"
)

// CellName formats zero-based row/col coordinates as an "A1"-style name.
func CellName(row, col int) string {
	return columnLetters(col) + fmt.Sprint(row+1)
}

func columnLetters(col int) string {
	name := ""
	for col >= 0 {
		name = string(rune('A'+col%26)) + name
		col = col/26 - 1
	}
	return name
}

// ParseCellName decodes an "A1"-style name into zero-based row/col.
func ParseCellName(name string) (row, col int, err error) {
	i := 0
	for i < len(name) && name[i] >= 'A' && name[i] <= 'Z' {
		col = col*26 + int(name[i]-'A') + 1
		i++
	}
	if i == 0 || i == len(name) {
		return 0, 0, fmt.Errorf("malformed cell name %q", name)
	}
	for j := i; j < len(name); j++ {
		if name[j] < '0' || name[j] > '9' {
			return 0, 0, fmt.Errorf("malformed cell name %q", name)
		}
		row = row*10 + int(name[j]-'0')
	}
	if row == 0 {
		return 0, 0, fmt.Errorf("malformed cell name %q", name)
	}
	return row - 1, col - 1, nil
}

// Range is a rectangular cell region, inclusive, zero-based.
type Range struct {
	StartRow, StartCol, EndRow, EndCol int
}

// ParseRange decodes "B2" or "A1:B3" into a Range. A single cell parses as
// a 1x1 range.
func ParseRange(address string) (Range, error) {
	start, end, found := strings.Cut(address, ":")
	r1, c1, err := ParseCellName(start)
	if err != nil {
		return Range{}, err
	}
	if !found {
		return Range{StartRow: r1, StartCol: c1, EndRow: r1, EndCol: c1}, nil
	}
	r2, c2, err := ParseCellName(end)
	if err != nil {
		return Range{}, err
	}
	if r2 < r1 {
		r1, r2 = r2, r1
	}
	if c2 < c1 {
		c1, c2 = c2, c1
	}
	return Range{StartRow: r1, StartCol: c1, EndRow: r2, EndCol: c2}, nil
}
