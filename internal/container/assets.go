package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"

	rferrors "github.com/bleepstore/rfstore/internal/errors"
	"github.com/bleepstore/rfstore/internal/metrics"
	"github.com/bleepstore/rfstore/internal/record"
	"github.com/bleepstore/rfstore/internal/storage"
	"github.com/bleepstore/rfstore/internal/task"
)

// Route is the upload path SaveAsset takes for an asset.
type Route string

const (
	RouteFolder     Route = "folder"
	RouteSinglePart Route = "single_part"
	RouteMultipart  Route = "multipart"
)

// folderDir is the directory under TempDir fetched folders are created in.
const folderDir = "rfstore-folders"

// SelectRoute picks the upload route for an asset of the given size. An
// unknown size is uploaded in a single part.
func SelectRoute(folder bool, size int64, known bool, threshold int64) Route {
	switch {
	case folder:
		return RouteFolder
	case !known:
		return RouteSinglePart
	case size >= threshold:
		return RouteMultipart
	}
	return RouteSinglePart
}

// FetchAssetHandlers receive the events of FetchAsset. The asset passed to
// Completion points at a temporary file that is deleted as soon as
// Completion returns, as with FetchAssets; copy or move it to keep it.
// Fetched folders are local directories and are kept.
type FetchAssetHandlers struct {
	Progress   func(fraction float64)
	Completion func(a *record.Asset, err error)
}

// FetchAssetsHandlers receive the events of FetchAssets.
type FetchAssetsHandlers struct {
	Progress func(id record.AssetID, fraction float64)
	// PerAsset is called once per requested asset that finished before
	// cancellation.
	PerAsset   func(id record.AssetID, a *record.Asset, err error)
	Completion func(assets map[record.AssetID]*record.Asset, err error)
}

// SaveAssetHandlers receive the events of SaveAsset.
type SaveAssetHandlers struct {
	Progress   func(fraction float64)
	Completion func(a *record.Asset, err error)
}

// SaveAssetsHandlers receive the events of SaveAssets.
type SaveAssetsHandlers struct {
	Progress   func(id record.AssetID, fraction float64)
	PerAsset   func(id record.AssetID, a *record.Asset, err error)
	Completion func(saved []*record.Asset, err error)
}

// FetchAsset downloads one asset into a temporary file, or creates a local
// directory for a folder. The file is removed once Completion returns.
func (c *Container) FetchAsset(ctx context.Context, id record.AssetID, h FetchAssetHandlers) *task.Task {
	return c.submit(ctx, task.New("FetchAsset", func(ctx context.Context) error {
		start := time.Now()
		svc, err := c.Services(ctx)
		if err != nil {
			complete(h.Completion, nil, err)
			return err
		}
		a, err := c.fetchAsset(ctx, svc, id, h.Progress)
		observe(ctx, "FetchAsset", start, err)
		complete(h.Completion, a, err)
		c.removeTempFile(a)
		return err
	}))
}

// FetchAssets downloads ids with bounded concurrency. Failed assets are
// reported in a PartialFailure keyed by asset ID. The files are removed once
// Completion returns.
func (c *Container) FetchAssets(ctx context.Context, ids []record.AssetID, h FetchAssetsHandlers) *task.Task {
	return c.submit(ctx, task.New("FetchAssets", func(ctx context.Context) error {
		start := time.Now()
		svc, err := c.Services(ctx)
		if err != nil {
			complete(h.Completion, nil, err)
			return err
		}
		assets, err := c.fetchAssets(ctx, svc, ids, h.Progress, h.PerAsset)
		observe(ctx, "FetchAssets", start, err)
		complete(h.Completion, assets, err)
		for _, a := range assets {
			c.removeTempFile(a)
		}
		return err
	}))
}

// SaveAsset uploads one asset along the route its size selects.
func (c *Container) SaveAsset(ctx context.Context, a *record.Asset, h SaveAssetHandlers) *task.Task {
	return c.submit(ctx, task.New("SaveAsset", func(ctx context.Context) error {
		start := time.Now()
		svc, err := c.Services(ctx)
		if err != nil {
			complete(h.Completion, nil, err)
			return err
		}
		saved, err := c.saveAsset(ctx, svc, a, h.Progress)
		observe(ctx, "SaveAsset", start, err)
		complete(h.Completion, saved, err)
		return err
	}))
}

// SaveAssets uploads assets with bounded concurrency. Failed assets are
// reported in a PartialFailure keyed by asset ID.
func (c *Container) SaveAssets(ctx context.Context, assets []*record.Asset, h SaveAssetsHandlers) *task.Task {
	return c.submit(ctx, task.New("SaveAssets", func(ctx context.Context) error {
		start := time.Now()
		svc, err := c.Services(ctx)
		if err != nil {
			complete(h.Completion, nil, err)
			return err
		}
		saved, err := c.saveAssets(ctx, svc, assets, h.Progress, h.PerAsset)
		observe(ctx, "SaveAssets", start, err)
		complete(h.Completion, saved, err)
		return err
	}))
}

// Download fetches one asset. The caller owns the returned file and
// releases it with Discard.
func (c *Container) Download(ctx context.Context, id record.AssetID) (*record.Asset, error) {
	svc, err := c.Services(ctx)
	if err != nil {
		return nil, err
	}
	a, err := c.fetchAsset(ctx, svc, id, nil)
	if ctx.Err() != nil {
		c.removeTempFile(a)
		return nil, ctx.Err()
	}
	return a, err
}

// Upload saves one asset and returns it with its new entity tag.
func (c *Container) Upload(ctx context.Context, a *record.Asset) (*record.Asset, error) {
	svc, err := c.Services(ctx)
	if err != nil {
		return nil, err
	}
	saved, err := c.saveAsset(ctx, svc, a, nil)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return saved, err
}

// RemoveAsset deletes one asset. A folder is removed with everything under
// it.
func (c *Container) RemoveAsset(ctx context.Context, id record.AssetID) error {
	svc, err := c.Services(ctx)
	if err != nil {
		return err
	}
	_, err = c.deleteAssets(ctx, svc, []record.AssetID{id}, false)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return singleFailure(err)
}

// Discard removes the local files of fetched assets.
func (c *Container) Discard(assets ...*record.Asset) {
	for _, a := range assets {
		c.removeTempFile(a)
	}
}

func complete[T any](fn func(T, error), v T, err error) {
	if fn != nil {
		fn(v, err)
	}
}

func report(progress func(float64), fraction float64) {
	if progress != nil {
		progress(fraction)
	}
}

func (c *Container) fetchAsset(ctx context.Context, svc *Services, id record.AssetID, progress func(float64)) (*record.Asset, error) {
	if ctx.Err() != nil {
		return nil, nil
	}
	log := c.log.With("op", "FetchAsset", "asset_id", id)

	if id.IsFolder() {
		dir := filepath.Join(c.opts.TempDir, folderDir, filepath.FromSlash(string(id)))
		if err := c.opts.Fs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating folder %s: %w", dir, err)
		}
		report(progress, 1)
		return &record.Asset{ID: id, Path: dir}, nil
	}

	out, err := svc.Blobs.Get(ctx, string(id))
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, fmt.Errorf("fetching asset %s: %w", id, err)
	}
	defer out.Body.Close()

	if err := c.opts.Fs.MkdirAll(c.opts.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating temp dir: %w", err)
	}
	f, err := afero.TempFile(c.opts.Fs, c.opts.TempDir, "rfstore-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}

	metrics.TransfersInFlight.Inc()
	n, err := io.Copy(f, newProgressReader(out.Body, out.Size, "download", progress))
	metrics.TransfersInFlight.Dec()
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = c.opts.Fs.Remove(f.Name())
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, fmt.Errorf("downloading asset %s: %w", id, err)
	}
	metrics.TransferSize.WithLabelValues("download").Observe(float64(n))

	a := &record.Asset{ID: id, Path: f.Name(), EntityTag: record.TrimETag(out.ETag)}
	if raw, ok := out.Metadata[storage.MetaModificationDate]; ok {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			a.ModificationDate = t
		} else {
			log.Warn("Ignoring malformed modification date", "value", raw)
		}
	}
	log.Debug("Asset fetched", "bytes", n)
	report(progress, 1)
	return a, nil
}

// removeTempFile deletes the downloaded file behind a. Folders are kept.
func (c *Container) removeTempFile(a *record.Asset) {
	if a == nil || a.IsFolder() || a.Path == "" {
		return
	}
	if err := c.opts.Fs.Remove(a.Path); err != nil {
		c.log.Debug("Removing fetched asset failed", "asset_id", a.ID, "error", err)
	}
}

// fetchAssets runs one fetch per distinct ID on a bounded queue and joins
// them in a terminal aggregation task.
func (c *Container) fetchAssets(ctx context.Context, svc *Services, ids []record.AssetID,
	progress func(record.AssetID, float64), perAsset func(record.AssetID, *record.Asset, error),
) (map[record.AssetID]*record.Asset, error) {
	q := task.NewQueue(ctx, c.opts.MaxConcurrentTransfers)

	var (
		mu      sync.Mutex
		fetched = make(map[record.AssetID]*record.Asset)
		agg     error
	)
	var deps []*task.Task
	for _, id := range distinct(ids) {
		deps = append(deps, q.Go("FetchAsset", func(ctx context.Context) error {
			a, err := c.fetchAsset(ctx, svc, id, func(f float64) {
				if progress != nil {
					progress(id, f)
				}
			})
			if ctx.Err() != nil {
				c.removeTempFile(a)
				return nil
			}
			mu.Lock()
			if a != nil {
				fetched[id] = a
			}
			rferrors.Update(&agg, err, string(id))
			mu.Unlock()
			if perAsset != nil {
				perAsset(id, a, err)
			}
			return err
		}))
	}

	var (
		result    map[record.AssetID]*record.Asset
		resultErr error
	)
	q.Go("FetchAssets.aggregate", func(ctx context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		result, resultErr = fetched, agg
		return nil
	}, deps...)
	q.Wait()

	if ctx.Err() != nil {
		for _, a := range fetched {
			c.removeTempFile(a)
		}
		return nil, nil
	}
	return result, resultErr
}

func (c *Container) saveAsset(ctx context.Context, svc *Services, a *record.Asset, progress func(float64)) (*record.Asset, error) {
	if ctx.Err() != nil {
		return nil, nil
	}
	if a == nil || a.ID == "" {
		return nil, errors.New("asset has no ID")
	}

	size, known := a.Size(c.opts.Fs)
	route := SelectRoute(a.IsFolder(), size, known, c.opts.MultipartThresholdBytes)
	metrics.UploadRouteTotal.WithLabelValues(string(route)).Inc()

	modified := a.ModificationDate
	if modified.IsZero() {
		modified = time.Now().UTC()
	}
	meta := map[string]string{storage.MetaModificationDate: modified.UTC().Format(time.RFC3339)}

	var (
		etag string
		err  error
	)
	metrics.TransfersInFlight.Inc()
	switch route {
	case RouteFolder:
		etag, err = svc.Blobs.Put(ctx, string(a.ID), bytes.NewReader(nil), 0, meta)
	case RouteSinglePart:
		etag, err = c.putSinglePart(ctx, svc, a, size, known, meta, progress)
	case RouteMultipart:
		etag, err = c.putMultipart(ctx, svc, a, size, meta, progress)
	}
	metrics.TransfersInFlight.Dec()

	if ctx.Err() != nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("saving asset %s: %w", a.ID, err)
	}
	if known {
		metrics.TransferSize.WithLabelValues("upload").Observe(float64(size))
	}
	c.log.Debug("Asset saved", "op", "SaveAsset", "asset_id", a.ID, "route", route)

	a.EntityTag = record.TrimETag(etag)
	a.ModificationDate = modified
	report(progress, 1)
	return a, nil
}

func (c *Container) putSinglePart(ctx context.Context, svc *Services, a *record.Asset, size int64, known bool,
	meta map[string]string, progress func(float64),
) (string, error) {
	if a.Path == "" {
		return "", errors.New("asset has no file")
	}
	f, err := c.opts.Fs.Open(a.Path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", a.Path, err)
	}
	defer f.Close()
	if !known {
		size = -1
	}
	return svc.Blobs.Put(ctx, string(a.ID), newProgressReader(f, size, "upload", progress), size, meta)
}

// putMultipart uploads the file in parts of MultipartPartSizeBytes. Any
// failure after the upload began aborts it.
func (c *Container) putMultipart(ctx context.Context, svc *Services, a *record.Asset, size int64,
	meta map[string]string, progress func(float64),
) (string, error) {
	f, err := c.opts.Fs.Open(a.Path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", a.Path, err)
	}
	defer f.Close()

	key := string(a.ID)
	reqCtx, cancel := c.requestContext(ctx)
	uploadID, err := svc.Blobs.CreateMultipartUpload(reqCtx, key, meta)
	cancel()
	if err != nil {
		return "", fmt.Errorf("creating multipart upload: %w", err)
	}

	partSize := c.opts.MultipartPartSizeBytes
	var parts []storage.CompletedPart
	var sent int64
	for n := int32(1); sent < size; n++ {
		length := min(partSize, size-sent)
		base := sent
		body := newProgressReader(io.NewSectionReader(f, sent, length), length, "upload", func(frac float64) {
			report(progress, min((float64(base)+frac*float64(length))/float64(size), 0.99))
		})
		etag, err := svc.Blobs.UploadPart(ctx, key, uploadID, n, body, length)
		if err != nil {
			c.abortUpload(ctx, svc, key, uploadID)
			return "", fmt.Errorf("uploading part %d: %w", n, err)
		}
		parts = append(parts, storage.CompletedPart{PartNumber: n, ETag: etag})
		sent += length
	}

	reqCtx, cancel = c.requestContext(ctx)
	defer cancel()
	etag, err := svc.Blobs.CompleteMultipartUpload(reqCtx, key, uploadID, parts)
	if err != nil {
		c.abortUpload(ctx, svc, key, uploadID)
		return "", fmt.Errorf("completing multipart upload: %w", err)
	}
	return etag, nil
}

// abortUpload discards an upload. It runs even when ctx is cancelled.
func (c *Container) abortUpload(ctx context.Context, svc *Services, key, uploadID string) {
	abortCtx, cancel := c.requestContext(context.WithoutCancel(ctx))
	defer cancel()
	if err := svc.Blobs.AbortMultipartUpload(abortCtx, key, uploadID); err != nil {
		c.log.Warn("Aborting multipart upload failed", "asset_id", key, "upload_id", uploadID, "error", err)
	}
}

// saveAssets runs one save per asset on a bounded queue. saved keeps the
// input order.
func (c *Container) saveAssets(ctx context.Context, svc *Services, assets []*record.Asset,
	progress func(record.AssetID, float64), perAsset func(record.AssetID, *record.Asset, error),
) ([]*record.Asset, error) {
	q := task.NewQueue(ctx, c.opts.MaxConcurrentTransfers)

	var (
		mu    sync.Mutex
		saved = make([]*record.Asset, len(assets))
		agg   error
	)
	var deps []*task.Task
	for i, a := range assets {
		var id record.AssetID
		if a != nil {
			id = a.ID
		}
		deps = append(deps, q.Go("SaveAsset", func(ctx context.Context) error {
			s, err := c.saveAsset(ctx, svc, a, func(f float64) {
				if progress != nil {
					progress(id, f)
				}
			})
			if ctx.Err() != nil {
				return nil
			}
			mu.Lock()
			saved[i] = s
			rferrors.Update(&agg, err, string(id))
			mu.Unlock()
			if perAsset != nil {
				perAsset(id, s, err)
			}
			return err
		}))
	}

	var (
		result    []*record.Asset
		resultErr error
	)
	q.Go("SaveAssets.aggregate", func(ctx context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range saved {
			if s != nil {
				result = append(result, s)
			}
		}
		resultErr = agg
		return nil
	}, deps...)
	q.Wait()

	if ctx.Err() != nil {
		return nil, nil
	}
	return result, resultErr
}

// distinct drops repeated IDs, keeping the first occurrence.
func distinct[T comparable](ids []T) []T {
	seen := make(map[T]struct{}, len(ids))
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
