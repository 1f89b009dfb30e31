package container

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/bleepstore/rfstore/internal/codec"
	rferrors "github.com/bleepstore/rfstore/internal/errors"
	"github.com/bleepstore/rfstore/internal/metadata"
	"github.com/bleepstore/rfstore/internal/record"
	"github.com/bleepstore/rfstore/internal/task"
)

// AssetStrategy decides what happens to asset-valued fields of records
// written to the indexed database.
type AssetStrategy int

const (
	// ExcludeAssets drops asset fields from the stored item.
	ExcludeAssets AssetStrategy = iota
	// ReferenceAssets stores a reference in place of each asset field and
	// uploads the asset under the reference's asset ID.
	ReferenceAssets
)

func (s AssetStrategy) String() string {
	if s == ReferenceAssets {
		return "reference"
	}
	return "exclude"
}

// Stage keys of a ModifyRecords PartialFailure.
const (
	KeySavedRecordsDB   = "SavedRecords.DB"
	KeySavedRecords     = "SavedRecords"
	KeyDeletedRecordIDs = "DeletedRecordIDs"
)

// ErrNoAsset is reported for a record saved without an indexed database
// whose asset slot is empty.
var ErrNoAsset = errors.New("record has no asset")

// ErrSavedAndDeleted is reported for a record that one ModifyRecords call
// both saves and deletes. The delete wins.
var ErrSavedAndDeleted = errors.New("record is both saved and deleted")

// ModifyRecordsHandlers receive the events of ModifyRecords.
type ModifyRecordsHandlers struct {
	Progress   func(r *record.Record, fraction float64)
	PerRecord  func(r *record.Record, err error)
	Completion func(saved []*record.Record, deleted []record.ID, err error)
}

// ModifyRecords saves and deletes records. With an indexed database the
// puts and deletes go in one batch write while referenced assets upload
// alongside it. Without one, each saved record's asset is uploaded first
// and the deleted records' assets are removed after the uploads finish.
//
// Failures are grouped in a PartialFailure under KeySavedRecordsDB,
// KeySavedRecords and KeyDeletedRecordIDs.
func (c *Container) ModifyRecords(ctx context.Context, save []*record.Record, del []record.ID, strategy AssetStrategy, h ModifyRecordsHandlers) *task.Task {
	return c.submit(ctx, task.New("ModifyRecords", func(ctx context.Context) error {
		start := time.Now()
		svc, err := c.Services(ctx)
		if err != nil {
			if h.Completion != nil {
				h.Completion(nil, nil, err)
			}
			return err
		}
		saved, deleted, err := c.modifyRecords(ctx, svc, save, del, strategy, h.Progress, h.PerRecord)
		observe(ctx, "ModifyRecords", start, err)
		if h.Completion != nil {
			h.Completion(saved, deleted, err)
		}
		return err
	}))
}

// Save writes one record, uploading its assets.
func (c *Container) Save(ctx context.Context, r *record.Record) (*record.Record, error) {
	svc, err := c.Services(ctx)
	if err != nil {
		return nil, err
	}
	saved, _, err := c.modifyRecords(ctx, svc, []*record.Record{r}, nil, ReferenceAssets, nil, nil)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	if len(saved) == 0 {
		return nil, rferrors.ErrUnknown
	}
	return saved[0], nil
}

// Delete removes one record. Without an indexed database a folder is
// removed with everything under it.
func (c *Container) Delete(ctx context.Context, id record.ID) error {
	svc, err := c.Services(ctx)
	if err != nil {
		return err
	}
	_, _, err = c.modifyRecords(ctx, svc, nil, []record.ID{id}, ExcludeAssets, nil, nil)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (c *Container) modifyRecords(ctx context.Context, svc *Services, save []*record.Record, del []record.ID,
	strategy AssetStrategy, progress func(*record.Record, float64), perRecord func(*record.Record, error),
) ([]*record.Record, []record.ID, error) {
	if ctx.Err() != nil {
		return nil, nil, nil
	}
	m := &modification{progress: progress, perRecord: perRecord}
	var (
		saved   []*record.Record
		deleted []record.ID
		err     error
	)
	if c.IsDatabaseOperation() {
		saved, deleted, err = c.modifyDatabase(ctx, svc, m, save, distinct(del), strategy)
	} else {
		saved, deleted, err = c.modifyStorage(ctx, svc, m, save, distinct(del))
	}
	if ctx.Err() != nil {
		return nil, nil, nil
	}
	return saved, deleted, err
}

// modification holds the shared state of one ModifyRecords run.
type modification struct {
	progress  func(*record.Record, float64)
	perRecord func(*record.Record, error)

	mu      sync.Mutex
	agg     error
	owners  map[record.AssetID]*record.Record
	copies  map[record.AssetID]*record.Asset
	tracker map[record.ID]*progressTracker
	errs    map[record.ID]error
}

func (m *modification) report(r *record.Record, fraction float64) {
	if m.progress != nil {
		m.progress(r, fraction)
	}
}

func (m *modification) done(r *record.Record, err error) {
	if m.perRecord != nil {
		m.perRecord(r, err)
	}
}

// assetProgress attributes an asset's progress to the record owning it.
func (m *modification) assetProgress(id record.AssetID, fraction float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.owners[id]
	if !ok {
		return
	}
	t, ok := m.tracker[r.ID]
	if !ok {
		m.report(r, fraction)
		return
	}
	if mean, grew := t.update(string(id), fraction); grew {
		m.report(r, mean)
	}
}

// referencedAssets collects the asset fields of r as copies named by their
// reference. Only fields changed since r was read are uploaded.
func (m *modification) referencedAssets(r *record.Record) record.AssetHandler {
	changed := r.ChangedKeys()
	return func(key string, a *record.Asset) (record.AssetReference, bool) {
		ref := record.NewAssetReference(r.Type, r.ID, key)
		if slices.Contains(changed, key) {
			cp := *a
			cp.ID = ref.AssetID()
			m.owners[cp.ID] = r
			m.copies[cp.ID] = &cp
		}
		return ref, true
	}
}

func (c *Container) modifyDatabase(ctx context.Context, svc *Services, m *modification, save []*record.Record,
	del []record.ID, strategy AssetStrategy,
) ([]*record.Record, []record.ID, error) {
	m.owners = make(map[record.AssetID]*record.Record)
	m.copies = make(map[record.AssetID]*record.Asset)
	m.tracker = make(map[record.ID]*progressTracker)
	m.errs = make(map[record.ID]error)

	deleting := make(map[record.ID]bool, len(del))
	for _, id := range del {
		deleting[id] = true
	}

	puts := make([]metadata.Item, 0, len(save))
	var uploads []*record.Asset
	for _, r := range save {
		if err := checkDatabaseSave(r, deleting, strategy); err != nil {
			m.errs[r.ID] = err
			rferrors.Update(&m.agg, err, string(r.ID))
			continue
		}
		var handler record.AssetHandler
		if strategy == ReferenceAssets {
			handler = m.referencedAssets(r)
		}
		puts = append(puts, codec.EncodeItem(r.DatabaseFields(handler)))
	}
	owned := make(map[record.ID][]string)
	for id, cp := range m.copies {
		uploads = append(uploads, cp)
		owner := m.owners[id].ID
		owned[owner] = append(owned[owner], string(id))
	}
	slices.SortFunc(uploads, func(a, b *record.Asset) int { return cmp.Compare(a.ID, b.ID) })
	for id, keys := range owned {
		m.tracker[id] = newProgressTracker(keys)
	}

	q := task.NewQueue(ctx, 0)
	var dbErr error
	dbTask := q.Go("ModifyRecordsDatabase", func(ctx context.Context) error {
		if len(puts) == 0 && len(del) == 0 {
			return nil
		}
		reqCtx, cancel := c.requestContext(ctx)
		defer cancel()
		err := svc.Database.BatchWrite(reqCtx, puts, del)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			err = fmt.Errorf("writing %d records and deleting %d: %w", len(puts), len(del), err)
		}
		m.mu.Lock()
		dbErr = err
		rferrors.Update(&m.agg, err, KeySavedRecordsDB)
		m.mu.Unlock()
		return err
	})

	saveTask := q.Go("SaveAssets", func(ctx context.Context) error {
		if len(uploads) == 0 {
			return nil
		}
		_, err := c.saveAssets(ctx, svc, uploads, m.assetProgress, func(id record.AssetID, a *record.Asset, err error) {
			m.mu.Lock()
			defer m.mu.Unlock()
			owner := m.owners[id].ID
			recordErr := m.errs[owner]
			rferrors.Update(&recordErr, err, string(id))
			m.errs[owner] = recordErr
		})
		if ctx.Err() != nil {
			return nil
		}
		m.mu.Lock()
		rferrors.Update(&m.agg, err, KeySavedRecords)
		m.mu.Unlock()
		return err
	})

	var (
		saved     []*record.Record
		deleted   []record.ID
		resultErr error
	)
	q.Go("ModifyRecords.aggregate", func(ctx context.Context) error {
		if ctx.Err() != nil {
			return nil
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, r := range save {
			err := m.errs[r.ID]
			if dbErr != nil {
				err = dbErr
			}
			if err == nil {
				r.ClearChangedKeys()
				saved = append(saved, r)
			}
			if t, ok := m.tracker[r.ID]; !ok || !t.complete() {
				m.report(r, 1)
			}
			m.done(r, err)
		}
		if dbErr == nil {
			deleted = del
		}
		resultErr = m.agg
		return nil
	}, dbTask, saveTask)
	q.Wait()

	c.log.Debug("Records modified", "op", "ModifyRecords", "saved", len(saved), "deleted", len(deleted), "assets", len(uploads))
	return saved, deleted, resultErr
}

// checkDatabaseSave rejects a record whose item cannot go in the batch
// write: a key may appear once per batch, and asset references need
// separator-free names.
func checkDatabaseSave(r *record.Record, deleting map[record.ID]bool, strategy AssetStrategy) error {
	if deleting[r.ID] {
		return fmt.Errorf("saving %s: %w", r.ID, ErrSavedAndDeleted)
	}
	if strategy != ReferenceAssets {
		return nil
	}
	for key := range r.Assets() {
		if err := record.CheckReferenceParts(r.Type, r.ID, key); err != nil {
			return fmt.Errorf("saving %s: %w", r.ID, err)
		}
	}
	return nil
}

func (c *Container) modifyStorage(ctx context.Context, svc *Services, m *modification, save []*record.Record,
	del []record.ID,
) ([]*record.Record, []record.ID, error) {
	m.owners = make(map[record.AssetID]*record.Record)
	m.errs = make(map[record.ID]error)

	var uploads []*record.Asset
	for _, r := range save {
		a := r.Asset()
		if a == nil && r.ID.IsFolder() {
			a = &record.Asset{ID: r.ID.AssetID()}
			r.SetAsset(a)
		}
		if a == nil {
			err := fmt.Errorf("saving %s: %w", r.ID, ErrNoAsset)
			rferrors.Update(&m.agg, err, string(r.ID))
			m.done(r, err)
			continue
		}
		a.ID = r.ID.AssetID()
		m.owners[a.ID] = r
		uploads = append(uploads, a)
	}

	q := task.NewQueue(ctx, 0)
	var saved []*record.Record
	saveTask := q.Go("SaveAssets", func(ctx context.Context) error {
		if len(uploads) == 0 {
			return nil
		}
		_, err := c.saveAssets(ctx, svc, uploads, m.assetProgress, func(id record.AssetID, a *record.Asset, err error) {
			m.mu.Lock()
			defer m.mu.Unlock()
			r := m.owners[id]
			if err == nil {
				r.EntityTag = a.EntityTag
				r.ModificationDate = a.ModificationDate
				r.ClearChangedKeys()
				saved = append(saved, r)
			}
			m.done(r, err)
		})
		if ctx.Err() != nil {
			return nil
		}
		m.mu.Lock()
		rferrors.Update(&m.agg, err, KeySavedRecords)
		m.mu.Unlock()
		return err
	})

	var deleted []record.ID
	deleteTask := q.Go("DeleteAssets", func(ctx context.Context) error {
		if len(del) == 0 {
			return nil
		}
		removed, err := c.deleteAssets(ctx, svc, record.AssetIDs(del), false)
		if ctx.Err() != nil {
			return nil
		}
		m.mu.Lock()
		deleted = record.IDs(removed)
		rferrors.Update(&m.agg, err, KeyDeletedRecordIDs)
		m.mu.Unlock()
		return err
	}, saveTask)

	var resultErr error
	q.Go("ModifyRecords.aggregate", func(ctx context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		resultErr = m.agg
		return nil
	}, saveTask, deleteTask)
	q.Wait()

	return orderLike(save, saved), deleted, resultErr
}

// orderLike returns the members of subset in the order they appear in all.
func orderLike(all, subset []*record.Record) []*record.Record {
	in := make(map[*record.Record]bool, len(subset))
	for _, r := range subset {
		in[r] = true
	}
	var out []*record.Record
	for _, r := range all {
		if in[r] {
			out = append(out, r)
		}
	}
	return out
}

