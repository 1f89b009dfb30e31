// Package handlers exposes container operations over HTTP: records through
// Huma operations and raw asset bytes through plain chi handlers.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/bleepstore/rfstore/internal/container"
	rferrors "github.com/bleepstore/rfstore/internal/errors"
	"github.com/bleepstore/rfstore/internal/record"
	"github.com/bleepstore/rfstore/internal/storage"
)

// errBadRequest marks client errors raised by the handlers themselves.
var errBadRequest = errors.New("bad request")

// statusFor maps a container error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, container.ErrRecordNotFound), storage.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, errBadRequest),
		errors.Is(err, container.ErrNoDatabase),
		errors.Is(err, container.ErrNoQuery),
		errors.Is(err, container.ErrNoAsset),
		errors.Is(err, container.ErrNoNotifications):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case rferrors.IsCanceled(err):
		return 499
	}
	if _, ok := rferrors.AsPartialFailure(err); ok {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// apiError converts err into a Huma status error.
func apiError(op string, err error) error {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "op", op, "error", err)
	}
	return huma.NewError(status, http.StatusText(status), err)
}

// writeError writes err as an RFC 7807 problem document, the shape Huma
// uses for its own errors.
func writeError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "op", op, "error", err)
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&huma.ErrorModel{
		Title:  http.StatusText(status),
		Status: status,
		Detail: err.Error(),
	})
}

// pathID decodes an identifier taken from the URL path. IDs containing a
// slash arrive percent-encoded in a single segment.
func pathID(raw string) (string, error) {
	id, err := url.PathUnescape(raw)
	if err != nil || id == "" {
		return "", errors.Join(errBadRequest, errors.New("malformed identifier"))
	}
	return id, nil
}

// RecordBody is the JSON form of a record.
type RecordBody struct {
	Type             string         `json:"type" doc:"Record type; __Storage for records backed only by the blob store"`
	ID               string         `json:"id" doc:"Record ID"`
	ModificationDate *time.Time     `json:"modification_date,omitempty"`
	EntityTag        string         `json:"etag,omitempty"`
	Fields           map[string]any `json:"fields" doc:"Record fields; assets appear as objects with an asset_id"`
}

// AssetBody is the JSON form of an asset.
type AssetBody struct {
	AssetID          string     `json:"asset_id"`
	EntityTag        string     `json:"etag,omitempty"`
	ModificationDate *time.Time `json:"modification_date,omitempty"`
	Folder           bool       `json:"folder,omitempty"`
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func assetBody(a *record.Asset) AssetBody {
	return AssetBody{
		AssetID:          string(a.ID),
		EntityTag:        a.EntityTag,
		ModificationDate: optionalTime(a.ModificationDate),
		Folder:           a.IsFolder(),
	}
}

// NewRecordBody renders r. References render as their raw string.
func NewRecordBody(r *record.Record) RecordBody {
	fields := make(map[string]any)
	for k, v := range r.Fields() {
		if k == record.FieldRecordType || k == record.FieldRecordID {
			continue
		}
		switch x := v.(type) {
		case *record.Asset:
			fields[k] = assetBody(x)
		case record.AssetReference:
			fields[k] = x.String()
		default:
			fields[k] = v
		}
	}
	return RecordBody{
		Type:             r.Type,
		ID:               string(r.ID),
		ModificationDate: optionalTime(r.ModificationDate),
		EntityTag:        r.EntityTag,
		Fields:           fields,
	}
}
