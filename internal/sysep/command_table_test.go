package sysep

import "testing"

func TestCommandTablePushFindRemove(t *testing.T) {
	table := newCommandTable()
	a := &CommandHandle{seq: 3}
	b := &CommandHandle{seq: 7}

	table.pushBack(a)
	table.pushBack(b)

	if got := table.findBySeq(7); got != b {
		t.Fatalf("findBySeq(7) = %v, want %v", got, b)
	}
	if got := table.findBySeq(9); got != nil {
		t.Fatalf("findBySeq(9) = %v, want nil", got)
	}
	if table.len() != 2 {
		t.Fatalf("len() = %d, want 2", table.len())
	}

	table.remove(a)
	if table.len() != 1 {
		t.Fatalf("len() after remove = %d, want 1", table.len())
	}
	if got := table.findBySeq(3); got != nil {
		t.Fatalf("findBySeq(3) after remove = %v, want nil", got)
	}

	// removing something not in the table is a no-op
	table.remove(a)
	if table.len() != 1 {
		t.Fatalf("len() after redundant remove = %d, want 1", table.len())
	}
}

func TestCommandTableDrain(t *testing.T) {
	table := newCommandTable()
	a := &CommandHandle{seq: 1}
	b := &CommandHandle{seq: 2}
	table.pushBack(a)
	table.pushBack(b)

	drained := table.drain()
	if len(drained) != 2 || drained[0] != a || drained[1] != b {
		t.Fatalf("drain() = %v, want [a b] in insertion order", drained)
	}
	if table.len() != 0 {
		t.Fatalf("len() after drain = %d, want 0", table.len())
	}
}
