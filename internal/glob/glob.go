// Package glob implements the glob-style pattern syntax used by PSUBSCRIBE
// and the SCAN MATCH option: '*' matches any sequence, '?' matches any single
// byte, '[ab]', '[a-c]' and '[^a]' match byte sets, '\' escapes the next byte.
// Matching is byte-wise.
package glob

type itemMode uint8

const (
	modeChar itemMode = iota
	modeAny           // ?
	modeStar          // *
	modeSet           // [...] (possibly negated)
)

type item struct {
	mode   itemMode
	ch     byte
	negate bool
	set    []byte   // single bytes from the set
	ranges [][2]byte // inclusive lo-hi pairs
}

func (it *item) match(c byte) bool {
	switch it.mode {
	case modeChar:
		return it.ch == c
	case modeAny:
		return true
	case modeSet:
		hit := false
		for _, s := range it.set {
			if s == c {
				hit = true
				break
			}
		}
		if !hit {
			for _, r := range it.ranges {
				if c >= r[0] && c <= r[1] {
					hit = true
					break
				}
			}
		}
		return hit != it.negate
	}
	return false
}

// Pattern is a compiled glob pattern.
type Pattern struct {
	src   string
	items []item
}

// Compile parses a pattern once so it can be matched repeatedly.
// Malformed constructs (unclosed set, trailing backslash) are treated as
// literal bytes, mirroring redis' own matcher.
func Compile(src string) *Pattern {
	p := &Pattern{src: src}
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch c {
		case '*':
			// collapse runs of stars
			if n := len(p.items); n > 0 && p.items[n-1].mode == modeStar {
				continue
			}
			p.items = append(p.items, item{mode: modeStar})
		case '?':
			p.items = append(p.items, item{mode: modeAny})
		case '\\':
			if i+1 < len(src) {
				i++
				c = src[i]
			}
			p.items = append(p.items, item{mode: modeChar, ch: c})
		case '[':
			it, next, ok := parseSet(src, i+1)
			if !ok {
				p.items = append(p.items, item{mode: modeChar, ch: c})
				continue
			}
			p.items = append(p.items, it)
			i = next
		default:
			p.items = append(p.items, item{mode: modeChar, ch: c})
		}
	}
	return p
}

func parseSet(src string, start int) (item, int, bool) {
	it := item{mode: modeSet}
	i := start
	if i < len(src) && src[i] == '^' {
		it.negate = true
		i++
	}
	for ; i < len(src); i++ {
		c := src[i]
		switch {
		case c == ']':
			if len(it.set) == 0 && len(it.ranges) == 0 {
				// empty set is literal
				return it, 0, false
			}
			return it, i, true
		case c == '\\' && i+1 < len(src):
			i++
			it.set = append(it.set, src[i])
		case i+2 < len(src) && src[i+1] == '-' && src[i+2] != ']':
			lo, hi := c, src[i+2]
			if lo > hi {
				lo, hi = hi, lo
			}
			it.ranges = append(it.ranges, [2]byte{lo, hi})
			i += 2
		default:
			it.set = append(it.set, c)
		}
	}
	return it, 0, false
}

// String returns the pattern source.
func (p *Pattern) String() string { return p.src }

// Match reports whether s matches the pattern.
func (p *Pattern) Match(s string) bool {
	items := p.items
	i, j := 0, 0
	starI, starJ := -1, 0
	for j < len(s) {
		switch {
		case i < len(items) && items[i].mode == modeStar:
			starI, starJ = i, j
			i++
		case i < len(items) && items[i].match(s[j]):
			i++
			j++
		case starI >= 0:
			// backtrack: let the last star swallow one more byte
			starJ++
			i, j = starI+1, starJ
		default:
			return false
		}
	}
	for i < len(items) && items[i].mode == modeStar {
		i++
	}
	return i == len(items)
}

// Match is a one-shot convenience for rarely used patterns.
func Match(pattern, s string) bool {
	return Compile(pattern).Match(s)
}
