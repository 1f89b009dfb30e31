package container

import (
	"context"
	"slices"
	"sync"
	"time"

	rferrors "github.com/bleepstore/rfstore/internal/errors"
	"github.com/bleepstore/rfstore/internal/record"
	"github.com/bleepstore/rfstore/internal/task"
)

// DeleteAssetsHandlers receive the events of DeleteAssets.
type DeleteAssetsHandlers struct {
	Completion func(deleted []record.AssetID, err error)
}

// DeleteFolderHandlers receive the events of DeleteFolder.
type DeleteFolderHandlers struct {
	Completion func(id record.AssetID, err error)
}

// DeleteAssets removes ids from the blob store. Plain assets are deleted in
// one bulk call before any folder. Unless deleteFoldersImmediately is set,
// each folder is then emptied recursively before its marker goes.
func (c *Container) DeleteAssets(ctx context.Context, ids []record.AssetID, deleteFoldersImmediately bool, h DeleteAssetsHandlers) *task.Task {
	return c.submit(ctx, task.New("DeleteAssets", func(ctx context.Context) error {
		start := time.Now()
		svc, err := c.Services(ctx)
		if err != nil {
			complete(h.Completion, nil, err)
			return err
		}
		deleted, err := c.deleteAssets(ctx, svc, ids, deleteFoldersImmediately)
		observe(ctx, "DeleteAssets", start, err)
		complete(h.Completion, deleted, err)
		return err
	}))
}

// DeleteFolder removes a folder, everything under it, and finally its
// marker.
func (c *Container) DeleteFolder(ctx context.Context, id record.AssetID, h DeleteFolderHandlers) *task.Task {
	return c.submit(ctx, task.New("DeleteFolder", func(ctx context.Context) error {
		start := time.Now()
		svc, err := c.Services(ctx)
		if err != nil {
			complete(h.Completion, "", err)
			return err
		}
		deleted, err := c.deleteFolder(ctx, svc, id)
		observe(ctx, "DeleteFolder", start, err)
		complete(h.Completion, deleted, err)
		return err
	}))
}

// orderForDeletion returns ids with non-folders first, keeping relative
// order otherwise.
func orderForDeletion(ids []record.AssetID) []record.AssetID {
	out := slices.Clone(ids)
	slices.SortStableFunc(out, func(a, b record.AssetID) int {
		switch {
		case !a.IsFolder() && b.IsFolder():
			return -1
		case a.IsFolder() && !b.IsFolder():
			return 1
		}
		return 0
	})
	return out
}

func (c *Container) deleteAssets(ctx context.Context, svc *Services, ids []record.AssetID, deleteFoldersImmediately bool) ([]record.AssetID, error) {
	if ctx.Err() != nil {
		return nil, nil
	}
	ids = orderForDeletion(distinct(ids))

	direct := ids
	var folders []record.AssetID
	if !deleteFoldersImmediately {
		split := slices.IndexFunc(ids, record.AssetID.IsFolder)
		if split >= 0 {
			direct, folders = ids[:split], ids[split:]
		}
	}

	q := task.NewQueue(ctx, c.opts.MaxConcurrentTransfers)
	var (
		mu      sync.Mutex
		deleted []record.AssetID
		agg     error
	)

	directTask := q.Go("DeleteAssetsDirectly", func(ctx context.Context) error {
		if len(direct) == 0 {
			return nil
		}
		keys := make([]string, len(direct))
		for i, id := range direct {
			keys[i] = string(id)
		}
		reqCtx, cancel := c.requestContext(ctx)
		defer cancel()
		removed, err := svc.Blobs.DeleteMany(reqCtx, keys)
		if ctx.Err() != nil {
			return nil
		}
		mu.Lock()
		for _, k := range removed {
			deleted = append(deleted, record.AssetID(k))
		}
		if err != nil {
			c.log.Warn("Bulk delete failed", "op", "DeleteAssets", "keys", len(keys), "error", err)
			rferrors.Update(&agg, err, "DeleteAssetsDirectly")
		}
		mu.Unlock()
		return err
	})

	deps := []*task.Task{directTask}
	for _, folder := range folders {
		deps = append(deps, q.Go("DeleteFolder", func(ctx context.Context) error {
			id, err := c.deleteFolder(ctx, svc, folder)
			if ctx.Err() != nil {
				return nil
			}
			mu.Lock()
			if id != "" {
				deleted = append(deleted, id)
			}
			rferrors.Update(&agg, err, string(folder))
			mu.Unlock()
			return err
		}, directTask))
	}

	var (
		result    []record.AssetID
		resultErr error
	)
	q.Go("DeleteAssets.aggregate", func(ctx context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		result, resultErr = slices.Clone(deleted), agg
		return nil
	}, deps...)
	q.Wait()

	if ctx.Err() != nil {
		return nil, nil
	}
	return result, resultErr
}

// deleteFolder pages through everything under id. Each page is deleted
// before the next is listed. The marker itself is held back until the last
// page, where it is deleted after the page's other keys.
func (c *Container) deleteFolder(ctx context.Context, svc *Services, id record.AssetID) (record.AssetID, error) {
	log := c.log.With("op", "DeleteFolder", "asset_id", id)
	query := record.NewStorageQuery(string(id), "", "").WithResultsLimit(c.opts.ResultsPageSize)

	var (
		agg    error
		cursor *record.Cursor
		pages  int
	)
	for {
		records, next, err := c.performStorage(ctx, svc, query, cursor)
		if ctx.Err() != nil {
			return "", nil
		}
		if err != nil {
			rferrors.Update(&agg, err, string(id))
			break
		}
		pages++

		last := next == nil
		page := make([]record.AssetID, 0, len(records)+1)
		for _, r := range records {
			if r.ID.AssetID() != id {
				page = append(page, r.ID.AssetID())
			}
		}
		if last {
			page = append(page, id)
		}

		_, err = c.deleteAssets(ctx, svc, page, last)
		if ctx.Err() != nil {
			return "", nil
		}
		rferrors.Update(&agg, err, string(id))
		if last {
			break
		}
		cursor = next
	}

	log.Debug("Folder deleted", "pages", pages, "failed", agg != nil)
	if agg != nil {
		return "", agg
	}
	return id, nil
}
