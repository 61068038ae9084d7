package hostmask

// Index is a prefix trie from Mask patterns to values of type T. Keys
// run across the three mask segments in order (nick, user, host); a
// trailing '*' in a stored pattern becomes a wildcard edge matching any
// suffix of that segment. Find on a concrete mask returns the values of
// every stored pattern that matches.
//
// Insert is O(m) in the mask length. Find is O(m*k) where k is the
// number of wildcard-annotated paths crossed, bounded by the number of
// stored patterns.
type Index[T any] struct {
	root *node[T]
	size int
}

type node[T any] struct {
	children map[byte]*node[T]
	wildcard *node[T] // entered by a trailing '*', matches any segment suffix
	next     *node[T] // end-of-segment edge
	values   []T      // populated at end of host segment only
	leaf     bool
}

// NewIndex returns an empty index.
func NewIndex[T any]() *Index[T] {
	return &Index[T]{root: &node[T]{}}
}

// Len returns the number of stored patterns (not values).
func (ix *Index[T]) Len() int { return ix.size }

// walk descends to the terminal node for pattern m, creating nodes on
// the way when create is set. Returns nil when the path does not exist.
func (ix *Index[T]) walk(m Mask, create bool) *node[T] {
	cur := ix.root
	segs := m.segments()

	for si, seg := range segs {
		for i := 0; i < len(seg); i++ {
			if seg[i] == '*' {
				// validated trailing wildcard
				if cur.wildcard == nil {
					if !create {
						return nil
					}
					cur.wildcard = &node[T]{}
				}
				cur = cur.wildcard
				break
			}
			child := cur.children[seg[i]]
			if child == nil {
				if !create {
					return nil
				}
				if cur.children == nil {
					cur.children = make(map[byte]*node[T])
				}
				child = &node[T]{}
				cur.children[seg[i]] = child
			}
			cur = child
		}
		if si < len(segs)-1 {
			if cur.next == nil {
				if !create {
					return nil
				}
				cur.next = &node[T]{}
			}
			cur = cur.next
		}
	}

	return cur
}

// Insert appends v to the collection stored under pattern m.
func (ix *Index[T]) Insert(m Mask, v T) {
	n := ix.walk(m, true)
	if !n.leaf {
		n.leaf = true
		ix.size++
	}
	n.values = append(n.values, v)
}

// Set replaces the collection stored under pattern m with the single
// value v.
func (ix *Index[T]) Set(m Mask, v T) {
	n := ix.walk(m, true)
	if !n.leaf {
		n.leaf = true
		ix.size++
	}
	n.values = n.values[:0]
	n.values = append(n.values, v)
}

// Get returns the values stored under the exact pattern m, without
// wildcard expansion.
func (ix *Index[T]) Get(m Mask) []T {
	n := ix.walk(m, false)
	if n == nil || !n.leaf {
		return nil
	}
	return n.values
}

// Find returns the values of every stored pattern matching the concrete
// mask m. Wildcards in m itself are treated as literal characters.
func (ix *Index[T]) Find(m Mask) []T {
	var out []T
	segs := m.segments()
	ix.root.find(segs, 0, 0, &out)
	return out
}

func (n *node[T]) find(segs [3]string, si, pos int, out *[]T) {
	seg := segs[si]

	if pos == len(seg) {
		// a wildcard edge also matches the empty suffix
		if n.wildcard != nil {
			n.wildcard.find(segs, si, pos, out)
		}
		if si == len(segs)-1 {
			if n.leaf {
				*out = append(*out, n.values...)
			}
			return
		}
		if n.next != nil {
			n.next.find(segs, si+1, 0, out)
		}
		return
	}

	if child := n.children[seg[pos]]; child != nil {
		child.find(segs, si, pos+1, out)
	}
	if n.wildcard != nil {
		// the wildcard consumes the remainder of this segment
		n.wildcard.find(segs, si, len(seg), out)
	}
}
