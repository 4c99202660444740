// Package series manages the per-source metric family databases: one SQLite
// file per producing source, one table per metric identity card.
package series

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// HandlePool shares one open database handle per family between concurrent
// callers. The handle is opened on first acquire and physically closed only
// when the last reference is released.
type HandlePool struct {
	dir string

	mu      sync.Mutex
	handles map[string]*sharedHandle
}

type sharedHandle struct {
	db   *sql.DB
	refs int
}

// NewHandlePool creates a pool opening family files under dir.
func NewHandlePool(dir string) *HandlePool {
	return &HandlePool{
		dir:     dir,
		handles: make(map[string]*sharedHandle),
	}
}

// Path returns the database file path for a family.
func (p *HandlePool) Path(family string) string {
	return filepath.Join(p.dir, family+".db")
}

// Acquire returns the shared handle for the family, opening the underlying
// file on first reference. An open failure is returned to the caller and
// leaves the pool untouched for other families.
func (p *HandlePool) Acquire(family string) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h, ok := p.handles[family]; ok {
		h.refs++
		return h.db, nil
	}

	db, err := openFamily(p.Path(family))
	if err != nil {
		return nil, fmt.Errorf("opening family %s: %w", family, err)
	}
	p.handles[family] = &sharedHandle{db: db, refs: 1}
	return db, nil
}

// Release drops one reference to the family handle and closes it when no
// references remain. Releasing an unknown family is a no-op.
func (p *HandlePool) Release(family string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.handles[family]
	if !ok {
		return
	}
	h.refs--
	if h.refs == 0 {
		h.db.Close()
		delete(p.handles, family)
	}
}

// Outstanding reports the total reference count across all families. It must
// be zero before a clean shutdown.
func (p *HandlePool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := 0
	for _, h := range p.handles {
		total += h.refs
	}
	return total
}

// CloseAll force-closes every open handle regardless of reference count.
// Intended for shutdown after all components have stopped.
func (p *HandlePool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for family, h := range p.handles {
		h.db.Close()
		delete(p.handles, family)
	}
}

func openFamily(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma: %w", err)
		}
	}
	return db, nil
}
