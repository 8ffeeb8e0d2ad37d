// Package columns interns column names to small integer ids.
//
// Id 0 is reserved for the synthetic global aggregate that unions every
// real column; real columns are assigned 1..N in discovery order.
package columns

import "fmt"

// Global is the reserved id of the synthetic all-columns aggregate.
const Global uint32 = 0

type Pool struct {
	names  []string
	lookup map[string]uint32
}

func NewPool() *Pool {
	p := &Pool{
		names:  make([]string, 1),
		lookup: make(map[string]uint32),
	}
	// slot 0 stays "" so ids line up with positions
	return p
}

// Intern returns the id for name, assigning the next id on first sight.
// Blank names are rejected; id 0 is not a real column.
func (p *Pool) Intern(name string) (uint32, error) {
	if name == "" {
		return 0, fmt.Errorf("columns: blank column name")
	}
	if id, ok := p.lookup[name]; ok {
		return id, nil
	}
	id := uint32(len(p.names))
	p.names = append(p.names, name)
	p.lookup[name] = id
	return id, nil
}

// Lookup returns the id for name and whether it is known.
func (p *Pool) Lookup(name string) (uint32, bool) {
	id, ok := p.lookup[name]
	return id, ok
}

// Name returns the column name for id, or "" when id is the global
// aggregate or out of range.
func (p *Pool) Name(id uint32) string {
	if id == Global || int(id) >= len(p.names) {
		return ""
	}
	return p.names[id]
}

// Len counts real columns, excluding the reserved slot.
func (p *Pool) Len() int { return len(p.names) - 1 }

// Names lists real column names in id order.
func (p *Pool) Names() []string { return p.names[1:] }

// FromNames rebuilds a pool from a serialized id ordered name list.
func FromNames(names []string) *Pool {
	p := NewPool()
	for _, n := range names {
		p.Intern(n)
	}
	return p
}
