// internal/arch/sim/space.go

package sim

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"trampsched/internal/arch"
	"trampsched/internal/future"
)

// PageSize is the granule of lazy allocation.
const PageSize = 4096

// ErrSegv is returned for accesses outside every region or against its
// permissions.
var ErrSegv = errors.New("segmentation violation")

var nextToken atomic.Uint64

// Region is a range of user addresses [Start, End) with its permissions.
type Region struct {
	Start, End uint64
	Perm       arch.AccessFlags
}

// Space is a lazily backed address space. Pages are allocated on the first
// fault inside a region.
type Space struct {
	token uint64

	mu       sync.Mutex
	regions  []Region
	pages    map[uint64][]byte
	programs map[uint64]Program
	faults   int
}

// NewSpace creates an empty space and registers it with m, which finds it
// again from the page table root installed on a CPU.
func (m *Machine) NewSpace() *Space {
	s := &Space{
		token:    nextToken.Add(1) << 12,
		pages:    make(map[uint64][]byte),
		programs: make(map[uint64]Program),
	}
	m.spaceMu.Lock()
	m.spaces[s.token] = s
	m.spaceMu.Unlock()
	return s
}

func (s *Space) PageTableToken() uint64 { return s.token }

// Map adds a region. Overlapping regions are rejected.
func (s *Space) Map(r Region) error {
	if r.End <= r.Start {
		return fmt.Errorf("map [%#x, %#x): empty region", r.Start, r.End)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.regions {
		if r.Start < o.End && o.Start < r.End {
			return fmt.Errorf("map [%#x, %#x): overlaps [%#x, %#x)", r.Start, r.End, o.Start, o.End)
		}
	}
	s.regions = append(s.regions, r)
	return nil
}

// Load installs prog at entry, inside an executable region.
func (s *Space) Load(entry uint64, prog Program) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.region(entry)
	if !ok || r.Perm&arch.AccessExecute == 0 {
		return fmt.Errorf("load at %#x: %w", entry, ErrSegv)
	}
	s.programs[entry] = prog
	return nil
}

func (s *Space) program(entry uint64) (Program, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.programs[entry]
	return p, ok
}

func (s *Space) region(addr uint64) (Region, bool) {
	for _, r := range s.regions {
		if addr >= r.Start && addr < r.End {
			return r, true
		}
	}
	return Region{}, false
}

// Mapped reports whether the page holding addr is backed.
func (s *Space) Mapped(addr uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pages[addr&^(PageSize-1)]
	return ok
}

// Faults is the number of page faults resolved so far.
func (s *Space) Faults() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.faults
}

// HandlePageFault backs the faulting page if a region permits the access.
func (s *Space) HandlePageFault(addr uint64, flags arch.AccessFlags) future.Future[error] {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.region(addr)
	want := flags &^ arch.AccessUser
	if !ok || r.Perm&want != want {
		return future.Ready[error](fmt.Errorf("fault at %#x (%v): %w", addr, flags, ErrSegv))
	}
	page := addr &^ (PageSize - 1)
	if _, ok := s.pages[page]; !ok {
		s.pages[page] = make([]byte, PageSize)
		s.faults++
	}
	return future.Ready[error](nil)
}

// ReadUser copies from backed pages. It fails on unbacked pages.
func (s *Space) ReadUser(addr uint64, p []byte) error {
	return s.copyUser(addr, p, false)
}

// WriteUser copies into backed pages. It fails on unbacked pages.
func (s *Space) WriteUser(addr uint64, p []byte) error {
	return s.copyUser(addr, p, true)
}

func (s *Space) copyUser(addr uint64, p []byte, write bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(p) > 0 {
		page := addr &^ (PageSize - 1)
		buf, ok := s.pages[page]
		if !ok {
			return fmt.Errorf("access at %#x: %w", addr, ErrSegv)
		}
		off := addr - page
		var n int
		if write {
			n = copy(buf[off:], p)
		} else {
			n = copy(p, buf[off:])
		}
		p = p[n:]
		addr += uint64(n)
	}
	return nil
}
