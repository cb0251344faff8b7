package sysep

// commandTable is an ordered collection of in-flight CommandHandles keyed
// by their 8-bit sequence number (spec §4.2). Iteration order is insertion
// order. It is touched only from the single event-loop goroutine, so it
// needs no locking (spec §5).
type commandTable struct {
	handles []*CommandHandle
}

func newCommandTable() *commandTable {
	return &commandTable{}
}

// pushBack appends handle to the end of the table.
func (t *commandTable) pushBack(h *CommandHandle) {
	t.handles = append(t.handles, h)
}

// remove deletes handle from the table. It is a no-op if handle is not
// present (e.g. already removed).
func (t *commandTable) remove(h *CommandHandle) {
	for i, candidate := range t.handles {
		if candidate == h {
			t.handles = append(t.handles[:i], t.handles[i+1:]...)
			return
		}
	}
}

// findBySeq returns the first handle with the given sequence number, or nil
// if none is present. By the table's uniqueness invariant there is at most
// one.
func (t *commandTable) findBySeq(seq uint8) *CommandHandle {
	for _, h := range t.handles {
		if h.seq == seq {
			return h
		}
	}
	return nil
}

// drain empties the table and returns every handle it held, in insertion
// order, for cleanup (used by Engine.ResetSystemEndpoint).
func (t *commandTable) drain() []*CommandHandle {
	drained := t.handles
	t.handles = nil
	return drained
}

// len reports how many handles are currently pending.
func (t *commandTable) len() int {
	return len(t.handles)
}
