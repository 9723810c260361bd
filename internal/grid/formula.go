package grid

import (
	"fmt"
	"strconv"
	"strings"
)

// FormulaMarker prefixes cell text that should be evaluated rather than
// displayed verbatim.
const FormulaMarker = "="

const maxEvalDepth = 32

// IsFormula reports whether cell text is a formula.
func IsFormula(text string) bool {
	return strings.HasPrefix(text, FormulaMarker)
}

// DisplayValue returns what a cell shows: raw text for plain cells, the
// evaluated result for formulas, "#ERROR!" when evaluation fails.
func (s *Sheet) DisplayValue(row, col int) string {
	text := s.Cell(row, col)
	if !IsFormula(text) {
		return text
	}
	v, err := s.evalFormula(text, 0)
	if err != nil {
		return "#ERROR!"
	}
	return formatNumber(v)
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (s *Sheet) evalFormula(text string, depth int) (float64, error) {
	if depth > maxEvalDepth {
		return 0, fmt.Errorf("formula reference cycle")
	}
	p := &formulaParser{sheet: s, input: strings.TrimPrefix(text, FormulaMarker), depth: depth}
	v, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return 0, fmt.Errorf("trailing input at %d", p.pos)
	}
	return v, nil
}

// cellNumber resolves a referenced cell to a number. Plain numeric text
// parses directly; formula cells evaluate recursively; blank cells are 0.
func (s *Sheet) cellNumber(row, col, depth int) (float64, error) {
	text := s.Cell(row, col)
	if text == "" {
		return 0, nil
	}
	if IsFormula(text) {
		return s.evalFormula(text, depth+1)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil {
		return 0, fmt.Errorf("cell %s is not numeric", CellName(row, col))
	}
	return v, nil
}

// formulaParser is a small recursive-descent parser:
//
//	expr   = term { ("+"|"-") term }
//	term   = factor { ("*"|"/") factor }
//	factor = number | cellref | name "(" range ")" | "(" expr ")" | "-" factor
type formulaParser struct {
	sheet *Sheet
	input string
	pos   int
	depth int
}

func (p *formulaParser) skipSpace() {
	for p.pos < len(p.input) && p.input[p.pos] == ' ' {
		p.pos++
	}
}

func (p *formulaParser) peek() byte {
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *formulaParser) parseExpr() (float64, error) {
	v, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		switch p.peek() {
		case '+':
			p.pos++
			r, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			v += r
		case '-':
			p.pos++
			r, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			v -= r
		default:
			return v, nil
		}
	}
}

func (p *formulaParser) parseTerm() (float64, error) {
	v, err := p.parseFactor()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		switch p.peek() {
		case '*':
			p.pos++
			r, err := p.parseFactor()
			if err != nil {
				return 0, err
			}
			v *= r
		case '/':
			p.pos++
			r, err := p.parseFactor()
			if err != nil {
				return 0, err
			}
			if r == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			v /= r
		default:
			return v, nil
		}
	}
}

func (p *formulaParser) parseFactor() (float64, error) {
	p.skipSpace()
	c := p.peek()
	switch {
	case c == '(':
		p.pos++
		v, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		p.skipSpace()
		if p.peek() != ')' {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return v, nil
	case c == '-':
		p.pos++
		v, err := p.parseFactor()
		return -v, err
	case c >= '0' && c <= '9' || c == '.':
		return p.parseNumber()
	case c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z':
		return p.parseRefOrCall()
	}
	return 0, fmt.Errorf("unexpected character %q", c)
}

func (p *formulaParser) parseNumber() (float64, error) {
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if c >= '0' && c <= '9' || c == '.' {
			p.pos++
			continue
		}
		break
	}
	return strconv.ParseFloat(p.input[start:p.pos], 64)
}

func (p *formulaParser) parseRefOrCall() (float64, error) {
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9' {
			p.pos++
			continue
		}
		break
	}
	word := p.input[start:p.pos]
	p.skipSpace()
	if p.peek() == '(' {
		p.pos++
		return p.parseCall(strings.ToUpper(word))
	}
	row, col, err := ParseCellName(strings.ToUpper(word))
	if err != nil {
		return 0, err
	}
	return p.sheet.cellNumber(row, col, p.depth)
}

func (p *formulaParser) parseCall(name string) (float64, error) {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.input) && p.input[p.pos] != ')' {
		p.pos++
	}
	if p.pos == len(p.input) {
		return 0, fmt.Errorf("missing closing parenthesis")
	}
	arg := strings.TrimSpace(strings.ToUpper(p.input[start:p.pos]))
	p.pos++ // consume ')'

	rng, err := ParseRange(arg)
	if err != nil {
		return 0, err
	}
	var values []float64
	for r := rng.StartRow; r <= rng.EndRow; r++ {
		for c := rng.StartCol; c <= rng.EndCol; c++ {
			v, err := p.sheet.cellNumber(r, c, p.depth)
			if err != nil {
				return 0, err
			}
			values = append(values, v)
		}
	}

	switch name {
	case "SUM":
		total := 0.0
		for _, v := range values {
			total += v
		}
		return total, nil
	case "AVG", "AVERAGE":
		if len(values) == 0 {
			return 0, nil
		}
		total := 0.0
		for _, v := range values {
			total += v
		}
		return total / float64(len(values)), nil
	case "MIN":
		if len(values) == 0 {
			return 0, nil
		}
		m := values[0]
		for _, v := range values[1:] {
			if v < m {
				m = v
			}
		}
		return m, nil
	case "MAX":
		if len(values) == 0 {
			return 0, nil
		}
		m := values[0]
		for _, v := range values[1:] {
			if v > m {
				m = v
			}
		}
		return m, nil
	case "COUNT":
		return float64(len(values)), nil
	}
	return 0, fmt.Errorf("unknown function %q", name)
}
