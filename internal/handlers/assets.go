package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/afero"

	"github.com/bleepstore/rfstore/internal/container"
	"github.com/bleepstore/rfstore/internal/record"
)

// headerModificationDate carries an asset's modification date on upload.
const headerModificationDate = "X-Modification-Date"

// AssetHandler serves raw asset bytes under /assets/.
type AssetHandler struct {
	c *container.Container
}

// NewAssetHandler returns an AssetHandler over c.
func NewAssetHandler(c *container.Container) *AssetHandler {
	return &AssetHandler{c: c}
}

// Routes mounts the asset routes on r.
func (h *AssetHandler) Routes(r chi.Router) {
	r.Get("/assets/*", h.Get)
	r.Head("/assets/*", h.Get)
	r.Put("/assets/*", h.Put)
	r.Delete("/assets/*", h.Delete)
}

func assetID(r *http.Request) (record.AssetID, error) {
	id, err := pathID(chi.URLParam(r, "*"))
	return record.AssetID(id), err
}

// Get streams an asset. A folder redirects to its listing.
func (h *AssetHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := assetID(r)
	if err != nil {
		writeError(w, "GetAsset", err)
		return
	}
	if id.IsFolder() {
		q := url.Values{"prefix": {string(id)}, "delimiter": {record.FolderSeparator}}
		http.Redirect(w, r, "/records?"+q.Encode(), http.StatusSeeOther)
		return
	}

	a, err := h.c.Download(r.Context(), id)
	if err != nil {
		writeError(w, "GetAsset", err)
		return
	}
	defer h.c.Discard(a)

	f, err := h.c.Options().Fs.Open(a.Path)
	if err != nil {
		writeError(w, "GetAsset", fmt.Errorf("opening %s: %w", a.Path, err))
		return
	}
	defer f.Close()

	if a.EntityTag != "" {
		w.Header().Set("ETag", `"`+a.EntityTag+`"`)
	}
	if a.ContentType != "" {
		w.Header().Set("Content-Type", a.ContentType)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	http.ServeContent(w, r, "", a.ModificationDate, f)
}

// Put stores the request body as an asset. A folder takes no body.
func (h *AssetHandler) Put(w http.ResponseWriter, r *http.Request) {
	id, err := assetID(r)
	if err != nil {
		writeError(w, "PutAsset", err)
		return
	}

	a := record.NewAsset(id, "")
	if raw := r.Header.Get(headerModificationDate); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, "PutAsset", fmt.Errorf("%w: %s must be RFC 3339", errBadRequest, headerModificationDate))
			return
		}
		a.ModificationDate = t
	}
	a.ContentType = r.Header.Get("Content-Type")

	if !id.IsFolder() {
		path, err := h.spool(r.Body)
		if err != nil {
			writeError(w, "PutAsset", err)
			return
		}
		defer h.c.Options().Fs.Remove(path)
		a.Path = path
	}

	saved, err := h.c.Upload(r.Context(), a)
	if err != nil {
		writeError(w, "PutAsset", err)
		return
	}
	w.Header().Set("ETag", `"`+saved.EntityTag+`"`)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(assetBody(saved)); err != nil {
		slog.Debug("Writing response failed", "error", err)
	}
}

// spool copies body into a temp file on the container's filesystem so the
// upload can pick its route from the size.
func (h *AssetHandler) spool(body io.Reader) (string, error) {
	opts := h.c.Options()
	if err := opts.Fs.MkdirAll(opts.TempDir, 0o755); err != nil {
		return "", fmt.Errorf("creating temp dir: %w", err)
	}
	f, err := afero.TempFile(opts.Fs, opts.TempDir, "rfstore-upload-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	_, err = io.Copy(f, body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = opts.Fs.Remove(f.Name())
		return "", fmt.Errorf("reading request body: %w", err)
	}
	return f.Name(), nil
}

// Delete removes an asset, or a folder with everything under it.
func (h *AssetHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := assetID(r)
	if err != nil {
		writeError(w, "DeleteAsset", err)
		return
	}
	if err := h.c.RemoveAsset(r.Context(), id); err != nil {
		writeError(w, "DeleteAsset", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
