// Package memory provides an in-process Catalog implementation used
// by package tests that need real transactional semantics without a
// Postgres instance (§4.1's guarantees, not its SQL).
/*
 * Copyright (c) 2024-2025, Simons Observatory Collaboration. All rights reserved.
 */
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/simonsobs/librarian/internal/catalog"
	"github.com/simonsobs/librarian/internal/cmn"
)

type Catalog struct {
	mu sync.Mutex

	librarians map[string]catalog.Librarian
	stores     map[string]catalog.Store
	obs        map[string]catalog.Observation
	files      map[catalog.FileKey]catalog.File
	instances  map[catalog.FileKey]map[string]catalog.Instance
	remotes    map[catalog.FileKey]map[string]catalog.RemoteInstance
	outgoing   map[int64]catalog.OutgoingTransfer
	incoming   map[int64]catalog.IncomingTransfer
	queue      map[int64]catalog.SendQueueItem
	corrupt    []catalog.CorruptFile

	nextOutgoing int64
	nextIncoming int64
	nextQueue    int64
}

func New() *Catalog {
	return &Catalog{
		librarians: map[string]catalog.Librarian{},
		stores:     map[string]catalog.Store{},
		obs:        map[string]catalog.Observation{},
		files:      map[catalog.FileKey]catalog.File{},
		instances:  map[catalog.FileKey]map[string]catalog.Instance{},
		remotes:    map[catalog.FileKey]map[string]catalog.RemoteInstance{},
		outgoing:   map[int64]catalog.OutgoingTransfer{},
		incoming:   map[int64]catalog.IncomingTransfer{},
		queue:      map[int64]catalog.SendQueueItem{},
	}
}

func (c *Catalog) Close() error { return nil }

// --- Librarians & Stores ---

func (c *Catalog) UpsertLibrarian(ctx context.Context, l catalog.Librarian) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.librarians[l.Name] = l
	return nil
}

func (c *Catalog) GetLibrarian(ctx context.Context, name string) (catalog.Librarian, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.librarians[name]
	if !ok {
		return catalog.Librarian{}, cmn.New(cmn.KindConflict, "librarian %q not found", name)
	}
	return l, nil
}

func (c *Catalog) ListLibrarians(ctx context.Context) ([]catalog.Librarian, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]catalog.Librarian, 0, len(c.librarians))
	for _, l := range c.librarians {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (c *Catalog) MarkLibrarianSeen(ctx context.Context, name string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.librarians[name]
	if !ok {
		return cmn.New(cmn.KindConflict, "librarian %q not found", name)
	}
	l.LastSeen = at
	c.librarians[name] = l
	return nil
}

func (c *Catalog) SetLibrarianDisabled(ctx context.Context, name string, disabledAt *time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.librarians[name]
	if !ok {
		return cmn.New(cmn.KindConflict, "librarian %q not found", name)
	}
	l.DisabledAt = disabledAt
	c.librarians[name] = l
	return nil
}

func (c *Catalog) UpsertStore(ctx context.Context, s catalog.Store) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.stores[s.Name]; ok {
		s.Used = existing.Used
	}
	c.stores[s.Name] = s
	return nil
}

func (c *Catalog) GetStore(ctx context.Context, name string) (catalog.Store, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.stores[name]
	if !ok {
		return catalog.Store{}, cmn.New(cmn.KindConflict, "store %q not found", name)
	}
	return s, nil
}

func (c *Catalog) ListStores(ctx context.Context) ([]catalog.Store, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]catalog.Store, 0, len(c.stores))
	for _, s := range c.stores {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (c *Catalog) SetStoreEnabled(ctx context.Context, name string, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.stores[name]
	if !ok {
		return cmn.New(cmn.KindConflict, "store %q not found", name)
	}
	s.Enabled = enabled
	c.stores[name] = s
	return nil
}

func (c *Catalog) AdjustStoreUsed(ctx context.Context, name string, delta int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.stores[name]
	if !ok {
		return cmn.New(cmn.KindConflict, "store %q not found", name)
	}
	newUsed := s.Used + delta
	if newUsed > s.Capacity {
		return cmn.New(cmn.KindCapacityExceeded, "store %q: %d + %d exceeds capacity %d", name, s.Used, delta, s.Capacity)
	}
	if newUsed < 0 {
		newUsed = 0
	}
	s.Used = newUsed
	c.stores[name] = s
	return nil
}

// --- Observations ---

func (c *Catalog) CreateObservation(ctx context.Context, o catalog.Observation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.obs[o.ID]; !ok {
		c.obs[o.ID] = o
	}
	return nil
}

func (c *Catalog) GetObservation(ctx context.Context, id string) (catalog.Observation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.obs[id]
	if !ok {
		return catalog.Observation{}, cmn.New(cmn.KindConflict, "observation %q not found", id)
	}
	return o, nil
}

// --- Files & Instances ---

func (c *Catalog) CreateFile(ctx context.Context, f catalog.File, instance *catalog.Instance) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := catalog.FileKey{Name: f.Name, Origin: f.Origin}
	if existing, ok := c.files[key]; ok {
		if existing.Checksum != f.Checksum {
			return cmn.New(cmn.KindConflict, "file %s/%s: checksum mismatch with existing row", f.Origin, f.Name)
		}
	} else {
		c.files[key] = f
	}
	if instance != nil {
		c.putInstanceLocked(*instance)
	}
	return nil
}

func (c *Catalog) putInstanceLocked(inst catalog.Instance) {
	key := catalog.FileKey{Name: inst.FileName, Origin: inst.Origin}
	m, ok := c.instances[key]
	if !ok {
		m = map[string]catalog.Instance{}
		c.instances[key] = m
	}
	if _, exists := m[inst.Store]; !exists {
		m[inst.Store] = inst
	}
}

func (c *Catalog) GetFile(ctx context.Context, key catalog.FileKey) (catalog.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.files[key]
	if !ok {
		return catalog.File{}, cmn.New(cmn.KindConflict, "file %s/%s not found", key.Origin, key.Name)
	}
	return f, nil
}

func (c *Catalog) CreateInstance(ctx context.Context, inst catalog.Instance) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putInstanceLocked(inst)
	return nil
}

func (c *Catalog) SetInstanceAvailable(ctx context.Context, key catalog.FileKey, store string, available bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.instances[key]
	if !ok {
		return cmn.New(cmn.KindConflict, "instance %s/%s@%s not found", key.Origin, key.Name, store)
	}
	inst, ok := m[store]
	if !ok {
		return cmn.New(cmn.KindConflict, "instance %s/%s@%s not found", key.Origin, key.Name, store)
	}
	inst.Available = available
	m[store] = inst
	return nil
}

func (c *Catalog) DeleteInstance(ctx context.Context, key catalog.FileKey, store string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.instances[key]; ok {
		delete(m, store)
	}
	return nil
}

func (c *Catalog) ListInstancesByStore(ctx context.Context, store string, uploadedBefore time.Time) ([]catalog.Instance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []catalog.Instance
	for _, m := range c.instances {
		if inst, ok := m[store]; ok && !inst.CreatedAt.After(uploadedBefore) {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (c *Catalog) ListInstances(ctx context.Context, key catalog.FileKey) ([]catalog.Instance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.instances[key]
	out := make([]catalog.Instance, 0, len(m))
	for _, inst := range m {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Store < out[j].Store })
	return out, nil
}

func (c *Catalog) FilesOnlyOnStore(ctx context.Context, store string, uploadedBefore time.Time, limit int) ([]catalog.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []catalog.File
	for key, f := range c.files {
		if f.UploadedAt.After(uploadedBefore) {
			continue
		}
		m := c.instances[key]
		if len(m) != 1 {
			continue
		}
		inst, ok := m[store]
		if !ok || !inst.Available {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UploadedAt.Equal(out[j].UploadedAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].UploadedAt.Before(out[j].UploadedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- RemoteInstances ---

func (c *Catalog) RegisterRemoteInstance(ctx context.Context, ri catalog.RemoteInstance) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := catalog.FileKey{Name: ri.FileName, Origin: ri.Origin}
	m, ok := c.remotes[key]
	if !ok {
		m = map[string]catalog.RemoteInstance{}
		c.remotes[key] = m
	}
	if existing, ok := m[ri.Librarian]; ok && !existing.VerifiedChecksum.Empty() && existing.VerifiedChecksum != ri.VerifiedChecksum {
		return cmn.New(cmn.KindRemoteCorrupt, "remote instance %s/%s@%s: checksum changed, refusing until reconciled",
			ri.Origin, ri.FileName, ri.Librarian)
	}
	m[ri.Librarian] = ri
	return nil
}

func (c *Catalog) ListRemoteInstances(ctx context.Context, key catalog.FileKey) ([]catalog.RemoteInstance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.remotes[key]
	out := make([]catalog.RemoteInstance, 0, len(m))
	for _, ri := range m {
		out = append(out, ri)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Librarian < out[j].Librarian })
	return out, nil
}

func (c *Catalog) FilesLackingRemote(ctx context.Context, destination string, uploadedBefore time.Time, limit int) ([]catalog.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []catalog.File
	for key, f := range c.files {
		if f.UploadedAt.After(uploadedBefore) {
			continue
		}
		if _, ok := c.remotes[key][destination]; ok {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UploadedAt.Equal(out[j].UploadedAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].UploadedAt.Before(out[j].UploadedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DuplicateRemoteInstances is always empty under this backend: the map
// keying on librarian already prevents duplicates in memory.
func (c *Catalog) DuplicateRemoteInstances(ctx context.Context) ([]catalog.FileKey, error) {
	return nil, nil
}

func (c *Catalog) CollapseRemoteInstances(ctx context.Context, key catalog.FileKey, librarian string) error {
	return nil
}

// --- Transfers ---

func (c *Catalog) CreateOutgoingTransfer(ctx context.Context, t catalog.OutgoingTransfer) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextOutgoing++
	t.ID = c.nextOutgoing
	t.UpdatedAt = t.CreatedAt
	c.outgoing[t.ID] = t
	return t.ID, nil
}

func (c *Catalog) GetOutgoingTransfer(ctx context.Context, id int64) (catalog.OutgoingTransfer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.outgoing[id]
	if !ok {
		return catalog.OutgoingTransfer{}, cmn.New(cmn.KindConflict, "outgoing transfer %d not found", id)
	}
	return t, nil
}

func (c *Catalog) TransitionOutgoing(ctx context.Context, id int64, from, to catalog.TransferStatus, updates catalog.OutgoingUpdates) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.outgoing[id]
	if !ok || t.Status != from || from.Terminal() {
		return cmn.New(cmn.KindStaleState, "outgoing transfer %d: not in transitionable state %s", id, from)
	}
	t.Status = to
	t.UpdatedAt = time.Now()
	if updates.RemoteTransferID != nil {
		t.RemoteTransferID = updates.RemoteTransferID
	}
	t.AttemptCount += updates.AttemptDelta
	c.outgoing[id] = t
	return nil
}

func (c *Catalog) ListStaleOutgoing(ctx context.Context, olderThan time.Time) ([]catalog.OutgoingTransfer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []catalog.OutgoingTransfer
	for _, t := range c.outgoing {
		if !t.Status.Terminal() && !t.UpdatedAt.After(olderThan) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (c *Catalog) CreateIncomingTransfer(ctx context.Context, t catalog.IncomingTransfer) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextIncoming++
	t.ID = c.nextIncoming
	t.UpdatedAt = t.CreatedAt
	c.incoming[t.ID] = t
	return t.ID, nil
}

func (c *Catalog) GetIncomingTransfer(ctx context.Context, id int64) (catalog.IncomingTransfer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.incoming[id]
	if !ok {
		return catalog.IncomingTransfer{}, cmn.New(cmn.KindConflict, "incoming transfer %d not found", id)
	}
	return t, nil
}

func (c *Catalog) GetIncomingBySource(ctx context.Context, sourceLibrarian, sourceTransferID string) (catalog.IncomingTransfer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.incoming {
		if t.SourceLibrarian == sourceLibrarian && t.SourceTransferID == sourceTransferID {
			return t, nil
		}
	}
	return catalog.IncomingTransfer{}, cmn.New(cmn.KindConflict, "no incoming transfer from %q with source id %q", sourceLibrarian, sourceTransferID)
}

func (c *Catalog) TransitionIncoming(ctx context.Context, id int64, from, to catalog.TransferStatus, updates catalog.IncomingUpdates) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.incoming[id]
	if !ok || t.Status != from || from.Terminal() {
		return cmn.New(cmn.KindStaleState, "incoming transfer %d: not in transitionable state %s", id, from)
	}
	t.Status = to
	t.UpdatedAt = time.Now()
	if updates.DestStore != nil {
		t.DestStore = updates.DestStore
	}
	c.incoming[id] = t
	return nil
}

func (c *Catalog) ListStaleIncoming(ctx context.Context, olderThan time.Time) ([]catalog.IncomingTransfer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []catalog.IncomingTransfer
	for _, t := range c.incoming {
		if !t.Status.Terminal() && !t.UpdatedAt.After(olderThan) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// --- Queue ---

func (c *Catalog) EnqueueSendItem(ctx context.Context, outgoingID int64, priority int) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextQueue++
	item := catalog.SendQueueItem{
		ID:                 c.nextQueue,
		OutgoingTransferID: outgoingID,
		Priority:           priority,
		EnqueuedAt:         time.Now(),
		Status:             catalog.QueuePending,
	}
	c.queue[item.ID] = item
	return item.ID, nil
}

func (c *Catalog) ClaimQueueItems(ctx context.Context, limit int, claimID string, ttl time.Duration) ([]catalog.SendQueueItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var pending []catalog.SendQueueItem
	for _, it := range c.queue {
		if it.Status == catalog.QueuePending {
			pending = append(pending, it)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].EnqueuedAt.Before(pending[j].EnqueuedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	deadline := time.Now().Add(ttl)
	claimed := make([]catalog.SendQueueItem, 0, len(pending))
	for _, it := range pending {
		it.Status = catalog.QueueClaimed
		it.ClaimedBy = &claimID
		d := deadline
		it.ClaimDeadline = &d
		c.queue[it.ID] = it
		claimed = append(claimed, it)
	}
	return claimed, nil
}

func (c *Catalog) CompleteQueueItem(ctx context.Context, id int64, status catalog.QueueItemStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.queue[id]
	if !ok {
		return cmn.New(cmn.KindConflict, "queue item %d not found", id)
	}
	it.Status = status
	c.queue[id] = it
	return nil
}

func (c *Catalog) RevertExpiredClaims(ctx context.Context, now time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, it := range c.queue {
		if it.Status == catalog.QueueClaimed && it.ClaimDeadline != nil && it.ClaimDeadline.Before(now) {
			it.Status = catalog.QueuePending
			it.ClaimedBy = nil
			it.ClaimDeadline = nil
			c.queue[id] = it
			n++
		}
	}
	return n, nil
}

func (c *Catalog) GetQueueItem(ctx context.Context, id int64) (catalog.SendQueueItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.queue[id]
	if !ok {
		return catalog.SendQueueItem{}, cmn.New(cmn.KindConflict, "queue item %d not found", id)
	}
	return it, nil
}

// --- Corruption ---

func (c *Catalog) RecordCorruptFile(ctx context.Context, cf catalog.CorruptFile) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.corrupt = append(c.corrupt, cf)
	return nil
}

func (c *Catalog) ListPendingCorruptFiles(ctx context.Context) ([]catalog.CorruptFile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []catalog.CorruptFile
	for _, cf := range c.corrupt {
		if cf.Remediation == catalog.RemediationPending {
			out = append(out, cf)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}

func (c *Catalog) SetCorruptRemediation(ctx context.Context, key catalog.FileKey, status catalog.RemediationStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.corrupt {
		cf := &c.corrupt[i]
		if cf.FileName == key.Name && cf.Origin == key.Origin && cf.Remediation == catalog.RemediationPending {
			cf.Remediation = status
			return nil
		}
	}
	return cmn.New(cmn.KindConflict, "no pending corrupt-file record for %s/%s", key.Origin, key.Name)
}

var _ catalog.Catalog = (*Catalog)(nil)
