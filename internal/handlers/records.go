package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/bleepstore/rfstore/internal/container"
	"github.com/bleepstore/rfstore/internal/record"
	"github.com/bleepstore/rfstore/internal/uid"
)

// RecordHandler serves the /records operations.
type RecordHandler struct {
	c *container.Container
}

// NewRecordHandler returns a RecordHandler over c.
func NewRecordHandler(c *container.Container) *RecordHandler {
	return &RecordHandler{c: c}
}

// ListRecordsInput selects a page of records. Without a type the blob
// store is listed.
type ListRecordsInput struct {
	Type       string `query:"type" doc:"Record type to query; empty lists the blob store"`
	Prefix     string `query:"prefix" doc:"Key prefix of a listing"`
	Delimiter  string `query:"delimiter" doc:"Groups keys into folders"`
	StartAfter string `query:"start_after" doc:"Listing starts after this key"`
	Cursor     string `query:"cursor" doc:"Opaque token from a previous page"`
	Limit      int    `query:"limit" minimum:"0" maximum:"1000" doc:"Page size"`
}

// ListRecordsOutput is one page of records.
type ListRecordsOutput struct {
	Body struct {
		Records []RecordBody `json:"records"`
		Cursor  string       `json:"cursor,omitempty" doc:"Token of the next page; absent on the last page"`
	}
}

// RecordIDInput names one record.
type RecordIDInput struct {
	ID string `path:"id" doc:"Record ID, percent-encoded when it contains a slash"`
}

// RecordOutput returns one record.
type RecordOutput struct {
	Body RecordBody
}

// RecordFields is the body of a saved record.
type RecordFields struct {
	Type   string         `json:"type" minLength:"1"`
	Fields map[string]any `json:"fields,omitempty"`
}

// PutRecordInput replaces one record.
type PutRecordInput struct {
	ID   string `path:"id"`
	Body RecordFields
}

// CreateRecordInput saves a record under a generated ID.
type CreateRecordInput struct {
	Body RecordFields
}

// Register adds the record operations to api.
func (h *RecordHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-records",
		Method:      http.MethodGet,
		Path:        "/records",
		Summary:     "Query records",
		Tags:        []string{"Records"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID:   "create-record",
		Method:        http.MethodPost,
		Path:          "/records",
		Summary:       "Create a record",
		Description:   "Saves a record under a newly generated ID.",
		Tags:          []string{"Records"},
		DefaultStatus: http.StatusCreated,
	}, h.Create)

	huma.Register(api, huma.Operation{
		OperationID: "get-record",
		Method:      http.MethodGet,
		Path:        "/records/{id}",
		Summary:     "Fetch a record",
		Tags:        []string{"Records"},
	}, h.Get)

	huma.Register(api, huma.Operation{
		OperationID: "put-record",
		Method:      http.MethodPut,
		Path:        "/records/{id}",
		Summary:     "Save a record",
		Description: "Replaces the fields of a record in the indexed database.",
		Tags:        []string{"Records"},
	}, h.Put)

	huma.Register(api, huma.Operation{
		OperationID:   "delete-record",
		Method:        http.MethodDelete,
		Path:          "/records/{id}",
		Summary:       "Delete a record",
		Description:   "Without an indexed database a folder is deleted with everything under it.",
		Tags:          []string{"Records"},
		DefaultStatus: http.StatusNoContent,
	}, h.Delete)
}

// List runs one page of a query.
func (h *RecordHandler) List(ctx context.Context, in *ListRecordsInput) (*ListRecordsOutput, error) {
	var (
		q      *record.Query
		cursor *record.Cursor
		err    error
	)
	if in.Cursor != "" {
		if cursor, err = container.DecodeCursor(in.Cursor, nil); err != nil {
			return nil, apiError("ListRecords", errors.Join(errBadRequest, err))
		}
	} else {
		if in.Type == "" || in.Type == record.StorageRecordType {
			q = record.NewStorageQuery(in.Prefix, in.Delimiter, record.ID(in.StartAfter))
		} else {
			q = record.NewQuery(in.Type, nil)
		}
		q = q.WithResultsLimit(in.Limit)
	}

	records, next, err := h.c.Perform(ctx, q, cursor)
	if err != nil {
		return nil, apiError("ListRecords", err)
	}
	token, err := container.EncodeCursor(next)
	if err != nil {
		return nil, apiError("ListRecords", err)
	}

	out := &ListRecordsOutput{}
	out.Body.Records = make([]RecordBody, len(records))
	for i, r := range records {
		out.Body.Records[i] = NewRecordBody(r)
	}
	out.Body.Cursor = token
	return out, nil
}

// Get fetches one record. Fetched asset files are discarded once the
// record is rendered.
func (h *RecordHandler) Get(ctx context.Context, in *RecordIDInput) (*RecordOutput, error) {
	id, err := pathID(in.ID)
	if err != nil {
		return nil, apiError("GetRecord", err)
	}
	r, err := h.c.Fetch(ctx, record.ID(id))
	if r != nil {
		defer h.c.Discard(assetList(r)...)
	}
	if err != nil {
		return nil, apiError("GetRecord", err)
	}
	return &RecordOutput{Body: NewRecordBody(r)}, nil
}

// Put saves one record with the given fields.
func (h *RecordHandler) Put(ctx context.Context, in *PutRecordInput) (*RecordOutput, error) {
	id, err := pathID(in.ID)
	if err != nil {
		return nil, apiError("PutRecord", err)
	}
	return h.save(ctx, "PutRecord", record.ID(id), in.Body)
}

// Create saves a record under an ID generated by the server.
func (h *RecordHandler) Create(ctx context.Context, in *CreateRecordInput) (*RecordOutput, error) {
	return h.save(ctx, "CreateRecord", record.ID(uid.NewRecordID()), in.Body)
}

func (h *RecordHandler) save(ctx context.Context, op string, id record.ID, body RecordFields) (*RecordOutput, error) {
	if !h.c.IsDatabaseOperation() {
		return nil, apiError(op, fmt.Errorf("%w: records without a database are assets; use PUT /assets", errBadRequest))
	}

	r := record.New(body.Type, id)
	for k, v := range body.Fields {
		if k == record.FieldRecordType || k == record.FieldRecordID {
			return nil, apiError(op, fmt.Errorf("%w: field %q is reserved", errBadRequest, k))
		}
		r.Set(k, fieldValue(v))
	}

	saved, err := h.c.Save(ctx, r)
	if err != nil {
		return nil, apiError(op, err)
	}
	return &RecordOutput{Body: NewRecordBody(saved)}, nil
}

// Delete removes one record.
func (h *RecordHandler) Delete(ctx context.Context, in *RecordIDInput) (*struct{}, error) {
	id, err := pathID(in.ID)
	if err != nil {
		return nil, apiError("DeleteRecord", err)
	}
	if err := h.c.Delete(ctx, record.ID(id)); err != nil {
		return nil, apiError("DeleteRecord", err)
	}
	return nil, nil
}

// fieldValue restores asset references sent as their raw string. A string
// that only looks like one stays a string.
func fieldValue(v any) any {
	s, ok := v.(string)
	if !ok || !record.IsAssetReference(s) {
		return v
	}
	if strings.Count(strings.TrimPrefix(s, record.AssetReferencePrefix), ".") != 2 {
		return v
	}
	return record.ParseAssetReference(s)
}

func assetList(r *record.Record) []*record.Asset {
	assets := make([]*record.Asset, 0)
	for _, a := range r.Assets() {
		assets = append(assets, a)
	}
	return assets
}
