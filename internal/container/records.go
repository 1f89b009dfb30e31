package container

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bleepstore/rfstore/internal/codec"
	rferrors "github.com/bleepstore/rfstore/internal/errors"
	"github.com/bleepstore/rfstore/internal/record"
	"github.com/bleepstore/rfstore/internal/task"
)

// ErrRecordNotFound is reported for a requested record the database does
// not hold.
var ErrRecordNotFound = errors.New("record not found")

// FetchRecordsHandlers receive the events of FetchRecords.
type FetchRecordsHandlers struct {
	// Progress is the mean progress over a record's referenced assets. It
	// never decreases.
	Progress func(id record.ID, fraction float64)
	// PerRecord is called exactly once per requested ID unless the pipeline
	// is cancelled or fails before any record is read.
	PerRecord  func(id record.ID, r *record.Record, err error)
	Completion func(records map[record.ID]*record.Record, err error)
}

// FetchRecords reads records by ID. With an indexed database, records are
// read in one batch and every asset they reference is fetched and put in
// place of its reference. Without one, each ID names an asset that is
// fetched and wrapped in a storage record. Fetched asset files are removed
// once Completion returns.
//
// desiredKeys limits the fields read from the database; RecordType and
// RecordID are always read. Empty reads every field.
func (c *Container) FetchRecords(ctx context.Context, ids []record.ID, desiredKeys []string, h FetchRecordsHandlers) *task.Task {
	return c.submit(ctx, task.New("FetchRecords", func(ctx context.Context) error {
		start := time.Now()
		svc, err := c.Services(ctx)
		if err != nil {
			complete(h.Completion, nil, err)
			return err
		}
		records, err := c.fetchRecords(ctx, svc, ids, desiredKeys, h.Progress, h.PerRecord)
		observe(ctx, "FetchRecords", start, err)
		complete(h.Completion, records, err)
		for _, r := range records {
			for _, a := range r.Assets() {
				c.removeTempFile(a)
			}
		}
		return err
	}))
}

// Fetch reads one record with all its assets. The caller owns the returned
// asset files.
func (c *Container) Fetch(ctx context.Context, id record.ID) (*record.Record, error) {
	svc, err := c.Services(ctx)
	if err != nil {
		return nil, err
	}
	records, err := c.fetchRecords(ctx, svc, []record.ID{id}, nil, nil, nil)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return records[id], singleFailure(err)
}

// singleFailure unwraps a PartialFailure holding exactly one item.
func singleFailure(err error) error {
	if pf, ok := rferrors.AsPartialFailure(err); ok && pf.Len() == 1 {
		return pf.Get(pf.ItemIDs()[0])
	}
	return err
}

// projection returns the attributes to read for desiredKeys.
func projection(desiredKeys []string) []string {
	if len(desiredKeys) == 0 {
		return nil
	}
	return distinct(append(append([]string(nil), record.RequiredKeys...), desiredKeys...))
}

func (c *Container) fetchRecords(ctx context.Context, svc *Services, ids []record.ID, desiredKeys []string,
	progress func(record.ID, float64), perRecord func(record.ID, *record.Record, error),
) (map[record.ID]*record.Record, error) {
	if !c.IsDatabaseOperation() {
		return c.fetchStorageRecords(ctx, svc, ids, progress, perRecord)
	}
	if ctx.Err() != nil {
		return nil, nil
	}
	ids = distinct(ids)
	log := c.log.With("op", "FetchRecords")

	reqCtx, cancel := c.requestContext(ctx)
	items, err := svc.Database.BatchGet(reqCtx, ids, projection(desiredKeys))
	cancel()
	if ctx.Err() != nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %d records: %w", len(ids), err)
	}

	found := make(map[record.ID]*record.Record, len(items))
	for _, item := range items {
		r, err := codec.DecodeRecord(item)
		if err != nil {
			log.Warn("Skipping undecodable item", "error", err)
			continue
		}
		found[r.ID] = r
	}

	f := &recordFetch{
		progress:  progress,
		perRecord: perRecord,
		records:   make(map[record.ID]*record.Record, len(found)),
		pending:   make(map[record.ID]*pendingRecord),
		slots:     make(map[record.AssetID][]referenceSlot),
	}
	var assetIDs []record.AssetID
	for _, id := range ids {
		r, ok := found[id]
		if !ok {
			f.finish(id, nil, fmt.Errorf("record %s: %w", id, ErrRecordNotFound))
			continue
		}
		f.records[id] = r

		refs := r.ReferenceFields()
		if len(refs) == 0 {
			f.finish(id, r, nil)
			continue
		}
		keys := make([]string, 0, len(refs))
		for key, ref := range refs {
			keys = append(keys, key)
			if _, seen := f.slots[ref.AssetID()]; !seen {
				assetIDs = append(assetIDs, ref.AssetID())
			}
			f.slots[ref.AssetID()] = append(f.slots[ref.AssetID()], referenceSlot{id: id, key: key})
		}
		sort.Strings(keys)
		f.pending[id] = &pendingRecord{record: r, tracker: newProgressTracker(keys)}
	}

	if len(assetIDs) > 0 {
		log.Debug("Fetching referenced assets", "records", len(f.pending), "assets", len(assetIDs))
		_, _ = c.fetchAssets(ctx, svc, assetIDs, f.assetProgress, f.assetFetched)
	}
	if ctx.Err() != nil {
		for _, r := range f.records {
			for _, a := range r.Assets() {
				c.removeTempFile(a)
			}
		}
		return nil, nil
	}
	return f.records, f.agg
}

// referenceSlot is one field of a fetched record that holds a reference.
type referenceSlot struct {
	id  record.ID
	key string
}

type pendingRecord struct {
	record  *record.Record
	tracker *progressTracker
	err     error
}

// recordFetch attributes asset events to the records referencing them.
type recordFetch struct {
	progress  func(record.ID, float64)
	perRecord func(record.ID, *record.Record, error)

	mu      sync.Mutex
	records map[record.ID]*record.Record
	pending map[record.ID]*pendingRecord
	slots   map[record.AssetID][]referenceSlot
	agg     error
}

// finish reports the completion of id. The caller holds mu or runs before
// any asset task starts.
func (f *recordFetch) finish(id record.ID, r *record.Record, err error) {
	rferrors.Update(&f.agg, err, string(id))
	if f.progress != nil && r != nil {
		f.progress(id, 1)
	}
	if f.perRecord != nil {
		f.perRecord(id, r, err)
	}
}

func (f *recordFetch) assetProgress(assetID record.AssetID, fraction float64) {
	if fraction >= 1 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, slot := range f.slots[assetID] {
		p, ok := f.pending[slot.id]
		if !ok {
			continue
		}
		if mean, grew := p.tracker.update(slot.key, fraction); grew && mean < 1 && f.progress != nil {
			f.progress(slot.id, mean)
		}
	}
}

func (f *recordFetch) assetFetched(assetID record.AssetID, a *record.Asset, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, slot := range f.slots[assetID] {
		p, ok := f.pending[slot.id]
		if !ok {
			continue
		}
		if a != nil {
			p.record.ResolveReference(slot.key, a)
		}
		rferrors.Update(&p.err, err, string(assetID))
		mean, grew := p.tracker.update(slot.key, 1)
		if !p.tracker.complete() {
			if grew && f.progress != nil {
				f.progress(slot.id, mean)
			}
			continue
		}
		delete(f.pending, slot.id)
		f.finish(slot.id, p.record, p.err)
	}
}

// fetchStorageRecords fetches each ID as an asset and wraps it in a storage
// record.
func (c *Container) fetchStorageRecords(ctx context.Context, svc *Services, ids []record.ID,
	progress func(record.ID, float64), perRecord func(record.ID, *record.Record, error),
) (map[record.ID]*record.Record, error) {
	var assetProgress func(record.AssetID, float64)
	if progress != nil {
		assetProgress = func(id record.AssetID, f float64) { progress(id.RecordID(), f) }
	}
	var perAsset func(record.AssetID, *record.Asset, error)
	if perRecord != nil {
		perAsset = func(id record.AssetID, a *record.Asset, err error) {
			perRecord(id.RecordID(), record.FromAsset(a), err)
		}
	}

	assets, err := c.fetchAssets(ctx, svc, record.AssetIDs(ids), assetProgress, perAsset)
	if assets == nil && err == nil {
		return nil, nil
	}
	records := make(map[record.ID]*record.Record, len(assets))
	for id, a := range assets {
		records[id.RecordID()] = record.FromAsset(a)
	}
	return records, err
}
