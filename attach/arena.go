package attach

// pebArena owns every *PebInfo allocated during one attach run. Individual
// nodes are never freed — moving a PebInfo between containers only
// reclassifies it — so teardown is one O(1) drop of the backing slice no
// matter how the scan ended.
type pebArena struct {
	nodes []*PebInfo
}

func newPebArena(capacityHint int) *pebArena {
	return &pebArena{nodes: make([]*PebInfo, 0, capacityHint)}
}

func (a *pebArena) alloc(pnum int) *PebInfo {
	p := &PebInfo{Pnum: pnum, EC: -1}
	a.nodes = append(a.nodes, p)
	return p
}

// close drops every node reference, letting the garbage collector reclaim
// them together.
func (a *pebArena) close() {
	a.nodes = nil
}

func (a *pebArena) len() int {
	return len(a.nodes)
}
