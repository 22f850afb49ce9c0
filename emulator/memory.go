package emulator

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"ledger-todo/ledger"
)

type entryKey struct {
	handle string
	key    uint64
}

// MemoryStore keeps ledger state in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	lists    map[string]ListRecord
	entries  map[entryKey]EntryRecord
	receipts map[string]ledger.Receipt
	etag     uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		lists:    map[string]ListRecord{},
		entries:  map[entryKey]EntryRecord{},
		receipts: map[string]ledger.Receipt{},
	}
}

func (m *MemoryStore) nextETag() string {
	m.etag++
	return strconv.FormatUint(m.etag, 10)
}

func (m *MemoryStore) GetList(_ context.Context, address string) (*ListRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.lists[address]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) InsertList(_ context.Context, rec ListRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lists[rec.Address]; ok {
		return ErrAlreadyExists
	}
	rec.ETag = m.nextETag()
	m.lists[rec.Address] = rec
	return nil
}

func (m *MemoryStore) UpdateList(_ context.Context, rec ListRecord, etag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.lists[rec.Address]
	if !ok || cur.ETag != etag {
		return ErrConcurrencyConflict
	}
	rec.ETag = m.nextETag()
	m.lists[rec.Address] = rec
	return nil
}

func (m *MemoryStore) GetEntry(_ context.Context, handle string, key uint64) (*EntryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.entries[entryKey{handle, key}]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) ListEntries(_ context.Context, handle string, from, to uint64) ([]EntryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []EntryRecord{}
	for k, rec := range m.entries {
		if k.handle == handle && k.key >= from && k.key <= to {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) InsertEntry(_ context.Context, rec EntryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := entryKey{rec.Handle, rec.Key}
	if _, ok := m.entries[k]; ok {
		return ErrAlreadyExists
	}
	rec.ETag = m.nextETag()
	m.entries[k] = rec
	return nil
}

func (m *MemoryStore) UpdateEntry(_ context.Context, rec EntryRecord, etag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := entryKey{rec.Handle, rec.Key}
	cur, ok := m.entries[k]
	if !ok || cur.ETag != etag {
		return ErrConcurrencyConflict
	}
	rec.ETag = m.nextETag()
	m.entries[k] = rec
	return nil
}

func (m *MemoryStore) GetReceipt(_ context.Context, hash string) (*ledger.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[hash]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *MemoryStore) PutReceipt(_ context.Context, rcpt ledger.Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receipts[rcpt.Hash] = rcpt
	return nil
}
