package matchmaking

// waitingPool is an ordered set of connection ids. Pairing takes from the
// tail.
type waitingPool struct {
	ids   []ConnID
	index map[ConnID]struct{}
}

func newWaitingPool() *waitingPool {
	return &waitingPool{index: make(map[ConnID]struct{})}
}

func (p *waitingPool) len() int { return len(p.ids) }

func (p *waitingPool) contains(id ConnID) bool {
	_, ok := p.index[id]
	return ok
}

// push appends id unless it is already present.
func (p *waitingPool) push(id ConnID) bool {
	if p.contains(id) {
		return false
	}
	p.ids = append(p.ids, id)
	p.index[id] = struct{}{}
	return true
}

func (p *waitingPool) popTail() (ConnID, bool) {
	if len(p.ids) == 0 {
		return "", false
	}
	last := len(p.ids) - 1
	id := p.ids[last]
	p.ids[last] = ""
	p.ids = p.ids[:last]
	delete(p.index, id)
	return id, true
}

func (p *waitingPool) remove(id ConnID) bool {
	if !p.contains(id) {
		return false
	}
	delete(p.index, id)
	for i, v := range p.ids {
		if v == id {
			p.ids = append(p.ids[:i], p.ids[i+1:]...)
			break
		}
	}
	return true
}

func (p *waitingPool) snapshot() []ConnID {
	return append([]ConnID(nil), p.ids...)
}
