// Package apiclient talks to a remote readiness API and satisfies
// session.Backend, so a session can run against a server instead of a
// local workspace.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"readiness/internal/domain"
	"readiness/internal/engine/auth"
	"readiness/internal/session"
)

var _ session.Backend = (*Client)(nil)

// Client is a readiness HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	ActorID     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func (c *Client) FetchState(ctx context.Context, activityID string) (domain.ReadinessState, error) {
	var resp domain.ReadinessState
	err := c.do(ctx, "fetch state", http.MethodGet, c.activityPath(activityID, "readiness"), nil, &resp)
	return resp, err
}

func (c *Client) UpdateConfig(ctx context.Context, activityID string, upd domain.ConfigUpdate) (domain.ActivityConfig, error) {
	body := map[string]any{"is_infrastructure": upd.IsInfrastructure}
	if upd.FinancingType != nil {
		body["financing_type"] = *upd.FinancingType
	}
	if upd.FinancingModality != nil {
		body["financing_modality"] = *upd.FinancingModality
	}
	var resp domain.ActivityConfig
	err := c.do(ctx, "update config", http.MethodPut, c.activityPath(activityID, "readiness/config"), body, &resp)
	return resp, err
}

func (c *Client) UpdateItemResponse(ctx context.Context, activityID, itemID string, upd domain.ResponseUpdate) (domain.ItemResponse, error) {
	body := map[string]any{"status": string(upd.Status)}
	if upd.Note != nil {
		body["note"] = *upd.Note
	}
	var resp domain.ItemResponse
	endpoint := c.activityPath(activityID, "readiness/items/"+url.PathEscape(itemID))
	err := c.do(ctx, "update item", http.MethodPut, endpoint, body, &resp)
	return resp, err
}

// UploadDocument streams the file as a multipart form.
func (c *Client) UploadDocument(ctx context.Context, activityID, itemID string, up domain.Upload) (domain.EvidenceDocument, error) {
	if up.Body == nil {
		return domain.EvidenceDocument{}, domain.ValidationError{Field: "file", Reason: "is required"}
	}
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeUpload(mw, up))
	}()
	endpoint := c.activityPath(activityID, "readiness/items/"+url.PathEscape(itemID)+"/documents")
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, pr)
	if err != nil {
		pr.Close()
		return domain.EvidenceDocument{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var doc domain.EvidenceDocument
	err = c.send(req, "upload document", &doc)
	pr.Close()
	return doc, err
}

func writeUpload(mw *multipart.Writer, up domain.Upload) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, up.FileName))
	ct := up.FileType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, up.Body); err != nil {
		return err
	}
	if err := mw.WriteField("file_name", up.FileName); err != nil {
		return err
	}
	if up.FileType != "" {
		if err := mw.WriteField("file_type", up.FileType); err != nil {
			return err
		}
	}
	return mw.Close()
}

func (c *Client) DeleteDocument(ctx context.Context, activityID, documentID string) error {
	endpoint := c.activityPath(activityID, "readiness/documents/"+url.PathEscape(documentID))
	return c.do(ctx, "delete document", http.MethodDelete, endpoint, nil, nil)
}

func (c *Client) SignOff(ctx context.Context, activityID, stageID string, att domain.Attestation) (domain.StageSignoff, error) {
	var resp domain.StageSignoff
	endpoint := c.activityPath(activityID, "readiness/stages/"+url.PathEscape(stageID)+"/signoff")
	err := c.do(ctx, "sign off", http.MethodPost, endpoint, att, &resp)
	return resp, err
}

func (c *Client) ListGovernmentOrganizations(ctx context.Context) ([]domain.Organization, error) {
	var resp struct {
		Items []domain.Organization `json:"items"`
	}
	err := c.do(ctx, "list organizations", http.MethodGet, "organizations/government", nil, &resp)
	return resp.Items, err
}

func (c *Client) GetEndorsement(ctx context.Context, activityID string) (domain.Endorsement, error) {
	var resp domain.Endorsement
	err := c.do(ctx, "get endorsement", http.MethodGet, c.activityPath(activityID, "endorsement"), nil, &resp)
	return resp, err
}

func (c *Client) SaveEndorsement(ctx context.Context, activityID string, fields domain.EndorsementFields) (domain.Endorsement, error) {
	var resp domain.Endorsement
	err := c.do(ctx, "save endorsement", http.MethodPut, c.activityPath(activityID, "endorsement"), fields, &resp)
	return resp, err
}

// EventsPage is one page of the audit log, newest first.
type EventsPage struct {
	Items      []domain.Event `json:"items"`
	NextCursor int64          `json:"next_cursor"`
}

// Events returns audit events for activityID (all activities when empty).
func (c *Client) Events(ctx context.Context, activityID string, limit int, cursor int64) (EventsPage, error) {
	q := url.Values{}
	if activityID != "" {
		q.Set("activity_id", activityID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor > 0 {
		q.Set("cursor", fmt.Sprintf("%d", cursor))
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp EventsPage
	err := c.do(ctx, "list events", http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Me returns the caller as resolved by the server.
func (c *Client) Me(ctx context.Context) (auth.Principal, error) {
	var resp auth.Principal
	err := c.do(ctx, "whoami", http.MethodGet, "me", nil, &resp)
	return resp, err
}

// Catalog returns the checklist catalog served by the API.
func (c *Client) Catalog(ctx context.Context) (domain.Catalog, error) {
	var resp domain.Catalog
	err := c.do(ctx, "get catalog", http.MethodGet, "catalog", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, op, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := c.newRequest(ctx, method, endpoint, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.send(req, op, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	return req, nil
}

func (c *Client) send(req *http.Request, op string, out any) error {
	hc := c.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: c.Timeout}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return domain.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return decodeError(op, resp.StatusCode, b)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return domain.TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}

// decodeError turns the error envelope back into a domain error. Server
// failures and unreadable bodies are transport errors.
func decodeError(op string, status int, body []byte) error {
	var env errorEnvelope
	if status >= 500 || json.Unmarshal(body, &env) != nil || env.Error.Code == "" {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = http.StatusText(status)
		}
		return domain.TransportError{Op: op, StatusCode: status, Err: errors.New(msg)}
	}
	msg := env.Error.Message
	detail := func(key string) string {
		v, _ := env.Error.Details[key].(string)
		return v
	}
	switch env.Error.Code {
	case string(domain.KindValidation), "bad_request":
		field := detail("field")
		reason := strings.TrimPrefix(msg, "validation: ")
		if field != "" {
			reason = strings.TrimPrefix(reason, field+" ")
		}
		return domain.ValidationError{Field: field, Reason: reason}
	case string(domain.KindPrecondition):
		return domain.PreconditionError{Reason: strings.TrimPrefix(msg, "preconditions not met: ")}
	case string(domain.KindConflict):
		return domain.ConflictError{Reason: strings.TrimPrefix(msg, "conflict: ")}
	case string(domain.KindNotFound):
		return domain.NotFoundError{Entity: detail("entity"), ID: detail("id")}
	case string(domain.KindForbidden):
		return domain.ForbiddenError{Permission: detail("permission")}
	case "unauthorized", "invalid_credentials":
		return domain.ForbiddenError{Permission: "authentication"}
	}
	return domain.TransportError{Op: op, StatusCode: status, Err: errors.New(msg)}
}

func (c *Client) activityPath(activityID, p string) string {
	return fmt.Sprintf("activities/%s/%s", url.PathEscape(activityID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
