package ir

import "sort"

// Dominators computes the immediate dominator of every block reachable from
// the entry using the Cooper, Harvey and Kennedy iteration. The entry maps to
// itself; unreachable blocks are absent.
func (f *Function) Dominators() map[*Block]*Block {
	rpo := f.ReversePostorder()
	order := make(map[*Block]int, len(rpo))
	for i, b := range rpo {
		order[b] = i
	}

	preds := make(map[*Block][]*Block, len(rpo))
	for _, b := range rpo {
		for _, s := range b.Successors() {
			preds[s] = append(preds[s], b)
		}
	}

	idom := map[*Block]*Block{f.Entry: f.Entry}
	intersect := func(a, b *Block) *Block {
		for a != b {
			for order[a] > order[b] {
				a = idom[a]
			}
			for order[b] > order[a] {
				b = idom[b]
			}
		}
		return a
	}

	for changed := true; changed; {
		changed = false
		for _, b := range rpo[1:] {
			var nd *Block
			for _, p := range preds[b] {
				if _, ok := idom[p]; !ok {
					continue
				}
				if nd == nil {
					nd = p
				} else {
					nd = intersect(p, nd)
				}
			}
			if nd != nil && idom[b] != nd {
				idom[b] = nd
				changed = true
			}
		}
	}
	return idom
}

// DominanceFrontier returns the dominance frontier of every reachable block.
func (f *Function) DominanceFrontier(idom map[*Block]*Block) map[*Block][]*Block {
	df := make(map[*Block][]*Block)
	preds := make(map[*Block][]*Block)
	for b := range idom {
		for _, s := range b.Successors() {
			preds[s] = append(preds[s], b)
		}
	}
	for b := range idom {
		if len(preds[b]) < 2 {
			continue
		}
		for _, p := range preds[b] {
			runner := p
			for runner != idom[b] {
				if !containsBlock(df[runner], b) {
					df[runner] = append(df[runner], b)
				}
				next := idom[runner]
				if next == runner {
					break
				}
				runner = next
			}
		}
	}
	return df
}

// DominatorTree returns the children of each block in the dominator tree.
func DominatorTree(idom map[*Block]*Block) map[*Block][]*Block {
	children := make(map[*Block][]*Block)
	for b, d := range idom {
		if b != d {
			children[d] = append(children[d], b)
		}
	}
	for _, c := range children {
		sortBlocks(c)
	}
	return children
}

// Dominates reports whether a dominates b.
func Dominates(idom map[*Block]*Block, a, b *Block) bool {
	for {
		if a == b {
			return true
		}
		d, ok := idom[b]
		if !ok || d == b {
			return false
		}
		b = d
	}
}

func containsBlock(list []*Block, b *Block) bool {
	for _, x := range list {
		if x == b {
			return true
		}
	}
	return false
}

func sortBlocks(list []*Block) {
	sort.Slice(list, func(i, j int) bool { return list[i].Index < list[j].Index })
}
