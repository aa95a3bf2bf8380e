// path.go - Bit-string addressing of nodes in the derivation tree.

package keytree

import "fmt"

// Path addresses a node by its descent from the root: one entry per level,
// 0 = left, 1 = right. The zero-length path is the root itself.
type Path []uint8

// ParsePath converts a "0"/"1" string such as "0110" into a Path.
func ParsePath(s string) (Path, error) {
	p := make(Path, 0, len(s))
	for i, c := range s {
		switch c {
		case '0':
			p = append(p, 0)
		case '1':
			p = append(p, 1)
		default:
			return nil, fmt.Errorf("keytree: invalid path character %q at index %d", c, i)
		}
	}
	return p, nil
}

// PathFromIndex returns the length-level path of the index'th leaf at that
// level, most significant bit first.
func PathFromIndex(index uint64, level uint8) Path {
	p := make(Path, level)
	for i := uint8(0); i < level; i++ {
		p[i] = uint8((index >> (level - 1 - i)) & 1)
	}
	return p
}

// String renders the path as a "0"/"1" string.
func (p Path) String() string {
	b := make([]byte, len(p))
	for i, bit := range p {
		b[i] = '0' + bit
	}
	return string(b)
}

// HasPrefix reports whether q is a prefix of p (every node on q's path lies
// on p's path). A path is a prefix of itself.
func (p Path) HasPrefix(q Path) bool {
	if len(q) > len(p) {
		return false
	}
	for i := range q {
		if p[i] != q[i] {
			return false
		}
	}
	return true
}

// Overlaps reports whether p and q address overlapping subtrees: one is a
// prefix of the other. Disclosing either secret would make part of the other's
// subtree computable.
func (p Path) Overlaps(q Path) bool {
	return p.HasPrefix(q) || q.HasPrefix(p)
}

// Clone returns an independent copy of the path.
func (p Path) Clone() Path {
	c := make(Path, len(p))
	copy(c, p)
	return c
}
