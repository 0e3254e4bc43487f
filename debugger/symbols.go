package debugger

import (
	"fmt"
	"sort"
)

type symbol struct {
	name string
	addr uint64
}

type symbolTable struct {
	byName map[string]uint64
	// byAddr is sorted by address, then name.
	byAddr []symbol
}

func newSymbolTable(symbols map[string]uint64) *symbolTable {
	t := &symbolTable{byName: make(map[string]uint64, len(symbols))}
	for name, addr := range symbols {
		t.byName[name] = addr
		t.byAddr = append(t.byAddr, symbol{name: name, addr: addr})
	}
	sort.Slice(t.byAddr, func(i, j int) bool {
		if t.byAddr[i].addr != t.byAddr[j].addr {
			return t.byAddr[i].addr < t.byAddr[j].addr
		}
		return t.byAddr[i].name < t.byAddr[j].name
	})
	return t
}

func (t *symbolTable) lookup(name string) (uint64, bool) {
	addr, ok := t.byName[name]
	return addr, ok
}

func (t *symbolTable) describe(addr uint64) string {
	i := sort.Search(len(t.byAddr), func(i int) bool { return t.byAddr[i].addr > addr })
	if i == 0 {
		return fmt.Sprintf("0x%x", addr)
	}
	s := t.byAddr[i-1]
	if s.addr == addr {
		return s.name
	}
	return fmt.Sprintf("%s+0x%x", s.name, addr-s.addr)
}
