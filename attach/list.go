package attach

import "container/list"

// pebList is an ordered sequence of *PebInfo backing the free, erase,
// corr, alien and waiting containers. The classifier puts free PEBs tainted
// by bit-flips or a bad EC header at the head of the erase list, and the
// arbiter puts a loser whose data failed its CRC there too, so they are
// reclaimed first; every other erase-list entry goes to the tail.
type pebList struct {
	l *list.List
}

func newPebList() *pebList {
	return &pebList{l: list.New()}
}

func (pl *pebList) Len() int { return pl.l.Len() }

func (pl *pebList) PushBack(p *PebInfo) {
	pl.l.PushBack(p)
}

func (pl *pebList) PushFront(p *PebInfo) {
	pl.l.PushFront(p)
}

// Front returns the first PebInfo, or nil if the list is empty.
func (pl *pebList) Front() *PebInfo {
	if e := pl.l.Front(); e != nil {
		return e.Value.(*PebInfo)
	}
	return nil
}

// PopFront removes and returns the first PebInfo; the attach-time
// allocator consumes candidates this way.
func (pl *pebList) PopFront() *PebInfo {
	e := pl.l.Front()
	if e == nil {
		return nil
	}
	pl.l.Remove(e)
	return e.Value.(*PebInfo)
}

// Apply calls f for every PebInfo in the list, front to back.
func (pl *pebList) Apply(f func(*PebInfo)) {
	var next *list.Element
	for e := pl.l.Front(); e != nil; e = next {
		next = e.Next()
		f(e.Value.(*PebInfo))
	}
}

// Slice materializes the list's contents in order; used by self-check and
// tests, where a snapshot is simpler to reason about than a live iterator.
func (pl *pebList) Slice() []*PebInfo {
	out := make([]*PebInfo, 0, pl.l.Len())
	pl.Apply(func(p *PebInfo) { out = append(out, p) })
	return out
}

// Append moves every element of other onto the back of pl, draining other;
// backup recovery drains the waiting list into erase with this.
func (pl *pebList) Append(other *pebList) {
	other.Apply(func(p *PebInfo) { pl.PushBack(p) })
	other.l.Init()
}
