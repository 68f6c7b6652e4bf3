package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"readiness/internal/blob"
	"readiness/internal/config"
	"readiness/internal/db"
	"readiness/internal/domain"
	"readiness/internal/engine"
	"readiness/internal/engine/auth"
	"readiness/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store, err := blob.NewFS(db.BlobDir(workspace), "http://files.test")
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	e := engine.New(conn, store)
	if err := e.ImportCatalog(context.Background(), cfg.DomainCatalog(), cfg.DomainOrganizations(), "tester"); err != nil {
		t.Fatalf("import catalog: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		RBAC:     auth.Service{Config: cfg},
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              testSecret,
			AllowLegacyActorHeader: true,
			AllowDevLogin:          true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func as(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func setStatus(t *testing.T, srv *testServer, activity, item, status string) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/activities/"+activity+"/readiness/items/"+item, map[string]any{"status": status}, as("local"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set %s status %d: %s", item, res.StatusCode, string(data))
	}
}

func TestHealthIsOpen(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	var body healthBody
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatal(err)
	}
	latest, err := migrate.Latest()
	if err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || body.SchemaVersion != latest {
		t.Fatalf("unexpected health %+v", body)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/activities/a1/readiness", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "unauthorized" {
		t.Fatalf("expected 401 unauthorized, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/activities/a1/readiness", nil, map[string]string{"Authorization": "Bearer garbage"})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("expected invalid credentials, got %d: %s", res.StatusCode, string(data))
	}
}

func TestViewerCannotWrite(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/activities/a1/readiness", nil, as("visitor"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("viewer read status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/activities/a1/readiness/items/concept-note", map[string]any{"status": "completed"}, as("visitor"))
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != string(domain.KindForbidden) {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
}

func TestReadinessFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/activities/a1/readiness"

	res, data := doJSON(t, client, http.MethodPut, base+"/config", map[string]any{"financing_type": "loan", "financing_modality": "standard", "is_infrastructure": true}, as("local"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("config status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPut, base+"/config", map[string]any{"financing_type": "barter"}, as("local"))
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != string(domain.KindValidation) {
		t.Fatalf("expected validation error for unknown type, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, base, nil, as("local"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("state status %d: %s", res.StatusCode, string(data))
	}
	var st domain.ReadinessState
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if st.OverallProgress.Total != 10 {
		t.Fatalf("expected 10 applicable items, got %+v", st.OverallProgress)
	}

	res, data = doJSON(t, client, http.MethodPut, base+"/items/concept-note", map[string]any{"status": "done"}, as("local"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad status, got %d: %s", res.StatusCode, string(data))
	}

	signoff := map[string]any{"signature_title": "Director of Planning"}
	res, data = doJSON(t, client, http.MethodPost, base+"/stages/identification/signoff", signoff, as("local"))
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != string(domain.KindPrecondition) {
		t.Fatalf("expected precondition failure, got %d: %s", res.StatusCode, string(data))
	}
	setStatus(t, srv, "a1", "concept-note", "completed")
	setStatus(t, srv, "a1", "alignment", "completed")
	setStatus(t, srv, "a1", "stakeholder-consultation", "not_required")

	res, data = doJSON(t, client, http.MethodPost, base+"/stages/identification/signoff", map[string]any{"signature_title": " "}, as("local"))
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != string(domain.KindValidation) {
		t.Fatalf("expected validation failure, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/stages/identification/signoff", signoff, as("local"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("signoff status %d: %s", res.StatusCode, string(data))
	}
	var so domain.StageSignoff
	if err := json.Unmarshal(data, &so); err != nil {
		t.Fatal(err)
	}
	if so.SignedOffBy != "local" || so.ItemsTotal != 3 || so.ItemsCompleted != 2 {
		t.Fatalf("unexpected signoff %+v", so)
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/stages/identification/signoff", signoff, as("local"))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != string(domain.KindConflict) {
		t.Fatalf("expected conflict, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPut, base+"/items/alignment", map[string]any{"status": "in_progress"}, as("local"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected signed stage to be read-only, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/stages/nowhere/signoff", signoff, as("local"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown stage, got %d: %s", res.StatusCode, string(data))
	}
}

func TestSignOffRequiresPermission(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/activities/a1/readiness/stages/identification/signoff", map[string]any{"signature_title": "x"}, as("visitor"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
}

func upload(t *testing.T, srv *testServer, activity, item, name, content string) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.WriteString(part, content); err != nil {
		t.Fatal(err)
	}
	if err := mw.WriteField("file_type", "text/plain"); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v0/activities/"+activity+"/readiness/items/"+item+"/documents", &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Actor-Id", "local")
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer res.Body.Close()
	data, _ := io.ReadAll(res.Body)
	return res, data
}

func TestDocumentEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := upload(t, srv, "a1", "concept-note", "note.txt", "hello evidence")
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("upload status %d: %s", res.StatusCode, string(data))
	}
	var doc domain.EvidenceDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	if doc.FileName != "note.txt" || doc.FileSize != int64(len("hello evidence")) || doc.FileType != "text/plain" {
		t.Fatalf("unexpected document %+v", doc)
	}
	if !strings.HasPrefix(doc.FileURL, "http://files.test/") {
		t.Fatalf("unexpected url %s", doc.FileURL)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/activities/a1/readiness", nil, as("local"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("state status %d", res.StatusCode)
	}
	var st domain.ReadinessState
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatal(err)
	}
	ident, _ := st.Stage("identification")
	if ident.Items[0].Response == nil || len(ident.Items[0].Response.Documents) != 1 {
		t.Fatalf("expected the document on concept-note, got %+v", ident.Items[0])
	}
	if ident.Items[0].EffectiveStatus != domain.StatusNotCompleted {
		t.Fatalf("upload must not change status, got %s", ident.Items[0].EffectiveStatus)
	}

	delURL := srv.URL + "/v0/activities/a1/readiness/documents/" + doc.ID
	res, data = doJSON(t, srv.Client(), http.MethodDelete, delURL, nil, as("local"))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodDelete, delURL, nil, as("local"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d: %s", res.StatusCode, string(data))
	}
}

func TestEndorsementEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/organizations/government", nil, as("local"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("orgs status %d: %s", res.StatusCode, string(data))
	}
	var orgs OrganizationsResponse
	if err := json.Unmarshal(data, &orgs); err != nil {
		t.Fatal(err)
	}
	if len(orgs.Items) != 2 {
		t.Fatalf("expected two government orgs, got %+v", orgs.Items)
	}

	url := srv.URL + "/v0/activities/a1/endorsement"
	res, data = doJSON(t, srv.Client(), http.MethodGet, url, nil, as("local"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get endorsement status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPut, url, map[string]any{"government_org_id": "dpa"}, as("local"))
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != string(domain.KindValidation) {
		t.Fatalf("expected validation error for ngo, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPut, url, map[string]any{"government_org_id": "mof", "officer_name": "A. Officer"}, as("local"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("save endorsement status %d: %s", res.StatusCode, string(data))
	}
	var en domain.Endorsement
	if err := json.Unmarshal(data, &en); err != nil {
		t.Fatal(err)
	}
	if en.OfficerName != "A. Officer" || en.UpdatedBy != "local" {
		t.Fatalf("unexpected endorsement %+v", en)
	}
}

func TestDevLoginAndMe(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"actor_id": "local"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login status %d: %s", res.StatusCode, string(data))
	}
	var tok tokenBody
	if err := json.Unmarshal(data, &tok); err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + tok.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me meBody
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatal(err)
	}
	if me.ActorID != "local" || me.Source != "jwt" || len(me.Roles) != 1 || me.Roles[0] != "admin" || len(me.Permissions) != 3 {
		t.Fatalf("unexpected principal %+v", me)
	}
}

func TestEventsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	setStatus(t, srv, "a1", "concept-note", "in_progress")
	setStatus(t, srv, "a1", "concept-note", "completed")
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?activity_id=a1&limit=1", nil, as("local"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page EventsResponse
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 1 || page.NextCursor == 0 || !strings.Contains(page.Items[0].Payload, `"to":"completed"`) {
		t.Fatalf("unexpected first page %+v", page)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?activity_id=a1&limit=1&cursor="+itoa(page.NextCursor), nil, as("local"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	page = EventsResponse{}
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 1 || page.NextCursor != 0 {
		t.Fatalf("unexpected second page %+v", page)
	}
}

func itoa(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestWebhookDelivery(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	var mu sync.Mutex
	var got []webhookEvent
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		if r.Header.Get("X-Readiness-Event") != evt.Type || r.Header.Get("X-Readiness-Secret") != "s3cret" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		got = append(got, evt)
		mu.Unlock()
	}))
	defer hook.Close()

	d := newWebhookDispatcher(srv.Engine, []config.WebhookConfig{{
		URL:    hook.URL,
		Events: []string{"response.updated"},
		Secret: "s3cret",
	}}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()
	// The first poll pins the cursor at the catalog import.
	d.dispatchAll(ctx)
	if _, err := srv.Engine.UpdateConfig(ctx, "a1", domain.ConfigUpdate{}, "local"); err != nil {
		t.Fatal(err)
	}
	setStatus(t, srv, "a1", "concept-note", "completed")
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].Type != "response.updated" || got[0].ActivityID != "a1" {
		t.Fatalf("unexpected deliveries %+v", got)
	}
	var payload map[string]any
	if err := json.Unmarshal(got[0].Payload, &payload); err != nil || payload["to"] != "completed" {
		t.Fatalf("unexpected payload %s", string(got[0].Payload))
	}
}

func TestEventFilter(t *testing.T) {
	cases := []struct {
		events []string
		evt    string
		want   bool
	}{
		{nil, "stage.signed_off", true},
		{[]string{"*"}, "config.updated", true},
		{[]string{" "}, "config.updated", true},
		{[]string{"stage.*"}, "stage.signed_off", true},
		{[]string{"stage.*"}, "response.updated", false},
		{[]string{"document.uploaded"}, "document.uploaded", true},
		{[]string{"document.uploaded"}, "document.deleted", false},
	}
	for _, tc := range cases {
		if got := newEventFilter(tc.events).match(tc.evt); got != tc.want {
			t.Errorf("filter %v match %q = %v, want %v", tc.events, tc.evt, got, tc.want)
		}
	}
}

func TestUploadBodyLimit(t *testing.T) {
	const maxUpload = 10
	var reached bool
	var readErr error
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		_, readErr = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusNoContent)
	})
	h := limitUploads("/v0", maxUpload)(next)
	huge := bytes.Repeat([]byte("x"), maxUpload+uploadOverheadBytes+1)
	uploadPath := "/v0/activities/a1/readiness/items/concept-note/documents"

	req := httptest.NewRequest(http.MethodPost, uploadPath, bytes.NewReader(huge))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("declared oversize: status %d", rec.Code)
	}
	if code := errorCode(t, rec.Body.Bytes()); code != "validation_error" {
		t.Fatalf("declared oversize: code %s", code)
	}
	if reached {
		t.Fatalf("oversize body reached the handler")
	}

	req = httptest.NewRequest(http.MethodPost, uploadPath, bytes.NewReader(huge))
	req.ContentLength = -1
	h.ServeHTTP(httptest.NewRecorder(), req)
	var mbe *http.MaxBytesError
	if !reached || !errors.As(readErr, &mbe) {
		t.Fatalf("undeclared oversize: reached=%v err=%v", reached, readErr)
	}

	reached, readErr = false, nil
	req = httptest.NewRequest(http.MethodPut, "/v0/activities/a1/endorsement", bytes.NewReader(huge))
	h.ServeHTTP(httptest.NewRecorder(), req)
	if !reached || readErr != nil {
		t.Fatalf("other routes must pass through: reached=%v err=%v", reached, readErr)
	}
}
