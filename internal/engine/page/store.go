/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Store manages db.pages: a flat file of Size-byte pages addressed by ID,
with pages 0 and 1 reserved for the alternating meta page and every other
page allocated from a free-list or appended at the end of the file.

Layout and free-list linkage follow a classic heap file, adapted to a
two-slot meta header instead of one fixed header page, so a torn write
during commit never corrupts the only copy of the commit record, and to
a 4 KiB page size with a crc32c-bearing header.
*/
package page

import (
	"os"
	"sync"

	engerrors "github.com/leiko57/skiodb/internal/errors"
	"github.com/leiko57/skiodb/internal/logging"
)

// firstDataPageID is the lowest page-id available for allocation; 0 and 1
// are reserved for the meta pages.
const firstDataPageID ID = 2

// Store is the page-structured data file (`db.pages`).
type Store struct {
	mu           sync.Mutex
	file         *os.File
	log          *logging.Logger
	nextPageID   ID
	activeSlot   ID
	meta         Meta
	writeClock   uint64
}

// Open opens or creates the page file at path, choosing the active meta
// slot and validating it. A brand-new file gets both meta slots
// initialized to an empty tree.
func Open(path string) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, engerrors.IoError("page store: open", err)
	}
	s := &Store{file: f, log: logging.NewLogger("engine.page"), nextPageID: firstDataPageID}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, engerrors.IoError("page store: stat", err)
	}
	if info.Size() == 0 {
		if err := s.initEmpty(); err != nil {
			f.Close()
			return nil, err
		}
		return s, nil
	}

	aRaw := make([]byte, Size)
	bRaw := make([]byte, Size)
	if _, err := f.ReadAt(aRaw, 0); err != nil {
		f.Close()
		return nil, engerrors.IoError("page store: read meta A", err)
	}
	if _, err := f.ReadAt(bRaw, int64(Size)); err != nil {
		f.Close()
		return nil, engerrors.IoError("page store: read meta B", err)
	}
	pa, _ := FromBytes(MetaPageA, aRaw)
	pb, _ := FromBytes(MetaPageB, bRaw)
	m, slot, err := Choose(pa, pb)
	if err != nil {
		f.Close()
		return nil, err
	}
	s.meta = *m
	s.activeSlot = slot
	s.writeClock = m.WriteClock
	s.nextPageID = m.NextPageID
	if s.nextPageID < firstDataPageID {
		s.nextPageID = firstDataPageID
	}
	return s, nil
}

func (s *Store) initEmpty() error {
	s.meta = Meta{RootPageID: InvalidID, FreeListHead: InvalidID, NextPageID: firstDataPageID}
	s.activeSlot = MetaPageA
	if err := s.writeBothMetaLocked(); err != nil {
		return err
	}
	return s.file.Sync()
}

func (s *Store) writeBothMetaLocked() error {
	for _, slot := range []ID{MetaPageA, MetaPageB} {
		m := s.meta
		p := m.Encode(slot)
		p.Finalize()
		if _, err := s.file.WriteAt(p.Bytes(), int64(slot)*Size); err != nil {
			return engerrors.IoError("page store: write meta", err)
		}
	}
	return nil
}

// ActiveMeta returns a copy of the currently active meta page contents.
func (s *Store) ActiveMeta() Meta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

// Read loads the page with the given id, verifying its crc.
func (s *Store) Read(id ID) (*Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(id)
}

func (s *Store) readLocked(id ID) (*Page, error) {
	raw := make([]byte, Size)
	if _, err := s.file.ReadAt(raw, s.offset(id)); err != nil {
		return nil, engerrors.IoError("page store: read", err)
	}
	p, err := FromBytes(id, raw)
	if err != nil {
		return nil, err
	}
	if err := p.Verify(); err != nil {
		s.log.Error("page crc mismatch", "page_id", uint32(id))
		return nil, err
	}
	return p, nil
}

// Write persists a page at its id. Callers must call p.Finalize() first.
func (s *Store) Write(p *Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(p)
}

func (s *Store) writeLocked(p *Page) error {
	if _, err := s.file.WriteAt(p.Bytes(), s.offset(p.ID())); err != nil {
		return engerrors.IoError("page store: write", err)
	}
	return nil
}

func (s *Store) offset(id ID) int64 {
	return int64(id) * int64(Size)
}

// Allocate returns an unused page-id, taken from the free-list head if
// non-empty, else by extending the file by one page. It does not write
// the page itself; callers write the initialized page via Write.
func (s *Store) Allocate() (ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta.FreeListHead != InvalidID {
		id := s.meta.FreeListHead
		fl, err := s.readLocked(id)
		if err != nil {
			return InvalidID, err
		}
		s.meta.FreeListHead = ID(freeListNext(fl))
		return id, nil
	}
	id := s.nextPageID
	s.nextPageID++
	return id, nil
}

// Free links id onto the in-memory free-list head; the caller is
// responsible for persisting the new meta (the transaction manager moves
// freed pages onto the free-list only once its WAL record is durable).
func (s *Store) Free(id ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fl := New(id, TypeFreeList)
	setFreeListNext(fl, uint32(s.meta.FreeListHead))
	fl.Finalize()
	if err := s.writeLocked(fl); err != nil {
		return err
	}
	s.meta.FreeListHead = id
	return nil
}

// CommitMeta writes the alternate meta slot with the given root, free-list
// head, and durable LSN, flips the active slot, and, if sync is true,
// fsyncs before returning (the durability point of spec step 5). A
// putNoSync commit passes sync=false and relies on a later Sync call (via
// Flush, the next durable commit, or Close) to make the write durable.
func (s *Store) CommitMeta(root, freeListHead ID, lastDurableLSN uint64, flags uint8, sync bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeClock++
	next := Other(s.activeSlot)
	m := Meta{
		RootPageID:     root,
		FreeListHead:   freeListHead,
		NextPageID:     s.nextPageID,
		LastDurableLSN: lastDurableLSN,
		Flags:          flags,
		WriteClock:     s.writeClock,
	}
	p := m.Encode(next)
	p.Finalize()
	if _, err := s.file.WriteAt(p.Bytes(), s.offset(next)); err != nil {
		return engerrors.IoError("page store: commit meta", err)
	}
	if sync {
		if err := s.file.Sync(); err != nil {
			return engerrors.IoError("page store: sync meta", err)
		}
	}
	s.meta = m
	s.activeSlot = next
	return nil
}

// Sync is the durability barrier: after it returns, every previously
// issued Write is on stable storage.
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.Sync(); err != nil {
		return engerrors.IoError("page store: sync", err)
	}
	return nil
}

// Close closes the underlying file; it neither writes a meta page nor
// syncs.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// NextPageID reports the first never-yet-allocated page-id, for
// reclaimOrphans' scan of allocated page-ids.
func (s *Store) NextPageID() ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextPageID
}

// FreeListIDs returns every page-id currently linked onto the free-list,
// for verifyIntegrity's free/reachable disjointness check.
func (s *Store) FreeListIDs() ([]ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []ID
	id := s.meta.FreeListHead
	for id != InvalidID {
		ids = append(ids, id)
		p, err := s.readLocked(id)
		if err != nil {
			return ids, err
		}
		id = ID(freeListNext(p))
	}
	return ids, nil
}

// freeListNext/setFreeListNext store the singly-linked free-list pointer
// in a free page's payload.
func freeListNext(p *Page) uint32 {
	buf := p.Payload()
	if len(buf) < 4 {
		return uint32(InvalidID)
	}
	return uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
}

func setFreeListNext(p *Page, next uint32) {
	buf := make([]byte, 4)
	buf[0] = byte(next >> 24)
	buf[1] = byte(next >> 16)
	buf[2] = byte(next >> 8)
	buf[3] = byte(next)
	p.SetPayload(buf)
}
