package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/owenbray/pulse/internal/auth"
	"github.com/owenbray/pulse/internal/directory"
	"github.com/owenbray/pulse/internal/expo"
	"github.com/owenbray/pulse/internal/push"
	"github.com/owenbray/pulse/internal/sqs"
	"github.com/owenbray/pulse/internal/store"
)

var errStoreDown = errors.New("store down")

type mockPushService struct {
	called  bool
	lastReq push.DispatchRequest
	result  *push.DispatchResult
	err     error
}

func (m *mockPushService) Dispatch(_ context.Context, req push.DispatchRequest) (*push.DispatchResult, error) {
	m.called = true
	m.lastReq = req
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

type mockReconciler struct {
	lastIDs []string
	result  *push.ReconcileResult
	err     error
}

func (m *mockReconciler) Reconcile(_ context.Context, ticketIDs []string) (*push.ReconcileResult, error) {
	m.lastIDs = ticketIDs
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

type mockDirectory struct {
	entry *store.DirectoryEntry
	err   error
	query directory.Query
}

func (m *mockDirectory) LookupOne(_ context.Context, q directory.Query) (*store.DirectoryEntry, error) {
	m.query = q
	return m.entry, m.err
}

type mockUserStore struct {
	lastUserID string
	lastAttrs  map[string]string
	lastDevice *store.Device
	err        error
}

func (m *mockUserStore) UpdateUserAttributes(_ context.Context, userID string, attrs map[string]string) error {
	m.lastUserID = userID
	m.lastAttrs = attrs
	return m.err
}

func (m *mockUserStore) UpsertDevice(_ context.Context, d *store.Device) error {
	m.lastDevice = d
	return m.err
}

type mockQueue struct {
	batches []sqs.ReceiptBatch
	err     error
}

func (m *mockQueue) Enqueue(_ context.Context, batch sqs.ReceiptBatch) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.batches = append(m.batches, batch)
	return "msg-1", nil
}

func withClaims(r *http.Request, claims *auth.Claims) *http.Request {
	ctx := context.WithValue(r.Context(), claimsKey, claims)
	return r.WithContext(ctx)
}

func dispatchClaims() *auth.Claims {
	return &auth.Claims{UserID: "caller-1", CommitteeRank: "chair"}
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var problem ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode problem body: %v", err)
	}
	return problem
}

func TestDispatchPushNotification_Success(t *testing.T) {
	pushSvc := &mockPushService{result: &push.DispatchResult{
		NotificationID: "d94f6c1a-0000-0000-0000-000000000001",
		Recipients:     3,
		Tickets:        []expo.Ticket{{ID: "t-1", Status: expo.StatusOK}},
	}}
	h := NewHandler(zap.NewNop(), pushSvc, &mockReconciler{}, &mockDirectory{}, &mockUserStore{})

	body := `{"notificationTitle":"Hi","notificationBody":"There","sendToAll":true}`
	req := withClaims(httptest.NewRequest(http.MethodPost, "/v1/push/dispatch", bytes.NewBufferString(body)), dispatchClaims())
	rec := httptest.NewRecorder()

	h.DispatchPushNotification(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !pushSvc.called {
		t.Fatal("push service not called")
	}
	if !pushSvc.lastReq.SendToAll {
		t.Error("sendToAll not decoded")
	}

	var result push.DispatchResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.Recipients != 3 {
		t.Errorf("recipients = %d", result.Recipients)
	}
}

func TestDispatchPushNotification_MalformedBody(t *testing.T) {
	h := NewHandler(zap.NewNop(), &mockPushService{}, &mockReconciler{}, &mockDirectory{}, &mockUserStore{})

	req := withClaims(httptest.NewRequest(http.MethodPost, "/v1/push/dispatch", bytes.NewBufferString("{not json")), dispatchClaims())
	rec := httptest.NewRecorder()

	h.DispatchPushNotification(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if problem := decodeProblem(t, rec); problem.Type != "invalid-argument" {
		t.Errorf("type = %s", problem.Type)
	}
}

func TestDispatchPushNotification_PipelineErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
	}{
		{"validation", push.NewError(push.CodeInvalidArgument, "bad audience"), http.StatusBadRequest, "invalid-argument"},
		{"persistence", push.NewError(push.CodePersistence, "insert failed"), http.StatusInternalServerError, "persistence-error"},
		{"unhandled", push.NewError(push.CodeUnhandledInternal, "unknown ticket error"), http.StatusInternalServerError, "unhandled-internal-error"},
		{"opaque", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(zap.NewNop(), &mockPushService{err: tt.err}, &mockReconciler{}, &mockDirectory{}, &mockUserStore{})

			body := `{"notificationTitle":"Hi","notificationBody":"There","sendToAll":true}`
			req := withClaims(httptest.NewRequest(http.MethodPost, "/v1/push/dispatch", bytes.NewBufferString(body)), dispatchClaims())
			rec := httptest.NewRecorder()

			h.DispatchPushNotification(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if problem := decodeProblem(t, rec); problem.Type != tt.wantType {
				t.Errorf("type = %s, want %s", problem.Type, tt.wantType)
			}
		})
	}
}

func TestDispatchPushNotification_EnqueuesReceiptBatch(t *testing.T) {
	pushSvc := &mockPushService{result: &push.DispatchResult{
		NotificationID: "n-1",
		Tickets: []expo.Ticket{
			{ID: "t-1", Status: expo.StatusOK},
			{Status: expo.StatusError, Message: "rejected"},
			{ID: "t-2", Status: expo.StatusOK},
		},
	}}
	queue := &mockQueue{}
	h := NewHandler(zap.NewNop(), pushSvc, &mockReconciler{}, &mockDirectory{}, &mockUserStore{}).WithReceiptQueue(queue)

	body := `{"notificationTitle":"Hi","notificationBody":"There","sendToAll":true}`
	req := withClaims(httptest.NewRequest(http.MethodPost, "/v1/push/dispatch", bytes.NewBufferString(body)), dispatchClaims())
	rec := httptest.NewRecorder()

	h.DispatchPushNotification(rec, req)

	if len(queue.batches) != 1 {
		t.Fatalf("expected 1 enqueued batch, got %d", len(queue.batches))
	}
	batch := queue.batches[0]
	if batch.NotificationID != "n-1" {
		t.Errorf("notification_id = %s", batch.NotificationID)
	}
	if len(batch.TicketIDs) != 2 {
		t.Errorf("expected ticketless error omitted, got %v", batch.TicketIDs)
	}
}

func TestDispatchPushNotification_QueueFailureDoesNotFailRequest(t *testing.T) {
	pushSvc := &mockPushService{result: &push.DispatchResult{
		NotificationID: "n-1",
		Tickets:        []expo.Ticket{{ID: "t-1", Status: expo.StatusOK}},
	}}
	h := NewHandler(zap.NewNop(), pushSvc, &mockReconciler{}, &mockDirectory{}, &mockUserStore{}).
		WithReceiptQueue(&mockQueue{err: errors.New("sqs down")})

	body := `{"notificationTitle":"Hi","notificationBody":"There","sendToAll":true}`
	req := withClaims(httptest.NewRequest(http.MethodPost, "/v1/push/dispatch", bytes.NewBufferString(body)), dispatchClaims())
	rec := httptest.NewRecorder()

	h.DispatchPushNotification(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, queue failure should not fail the dispatch", rec.Code)
	}
}

func TestProcessReceipts_Success(t *testing.T) {
	receipt := &expo.Receipt{Status: expo.StatusOK}
	rc := &mockReconciler{result: &push.ReconcileResult{
		Status:    push.ReconcileOK,
		Receipts:  map[string]*expo.Receipt{"t-1": receipt, "t-2": nil},
		Delivered: 1,
	}}
	h := NewHandler(zap.NewNop(), &mockPushService{}, rc, &mockDirectory{}, &mockUserStore{})

	req := withClaims(httptest.NewRequest(http.MethodPost, "/v1/push/receipts", bytes.NewBufferString(`{"receiptIds":["t-1","t-2"]}`)), dispatchClaims())
	rec := httptest.NewRecorder()

	h.ProcessReceipts(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(rc.lastIDs) != 2 {
		t.Fatalf("reconciler got %v", rc.lastIDs)
	}

	var resp struct {
		Status   string                      `json:"status"`
		Receipts map[string]*json.RawMessage `json:"receipts"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != push.ReconcileOK {
		t.Errorf("status = %s", resp.Status)
	}
	if _, ok := resp.Receipts["t-2"]; !ok {
		t.Error("pending receipt should be present as null")
	}
}

func TestProcessReceipts_EmptyIDs(t *testing.T) {
	h := NewHandler(zap.NewNop(), &mockPushService{}, &mockReconciler{}, &mockDirectory{}, &mockUserStore{})

	req := withClaims(httptest.NewRequest(http.MethodPost, "/v1/push/receipts", bytes.NewBufferString(`{"receiptIds":[]}`)), dispatchClaims())
	rec := httptest.NewRecorder()

	h.ProcessReceipts(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSyncClaims_MatchedEntry(t *testing.T) {
	dir := &mockDirectory{entry: &store.DirectoryEntry{
		DBRole:        "committee",
		Committee:     "tech-committee",
		CommitteeRank: "coordinator",
	}}
	users := &mockUserStore{}
	h := NewHandler(zap.NewNop(), &mockPushService{}, &mockReconciler{}, dir, users)

	claims := &auth.Claims{UserID: "caller-1", Email: "c@example.org", UPN: "c@example"}
	req := withClaims(httptest.NewRequest(http.MethodPost, "/v1/claims/sync", nil), claims)
	rec := httptest.NewRecorder()

	h.SyncClaims(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if dir.query.LastAssociatedUID != "caller-1" || dir.query.Email != "c@example.org" {
		t.Errorf("lookup query = %+v", dir.query)
	}
	if users.lastUserID != "caller-1" {
		t.Errorf("attributes written for %s", users.lastUserID)
	}
	if users.lastAttrs["dbRole"] != "committee" {
		t.Errorf("dbRole = %s", users.lastAttrs["dbRole"])
	}
	if users.lastAttrs["marathonAccess"] != "true" {
		t.Errorf("marathonAccess = %s", users.lastAttrs["marathonAccess"])
	}
}

func TestSyncClaims_UnmatchedCallerGetsPublicDefaults(t *testing.T) {
	users := &mockUserStore{}
	h := NewHandler(zap.NewNop(), &mockPushService{}, &mockReconciler{}, &mockDirectory{}, users)

	req := withClaims(httptest.NewRequest(http.MethodPost, "/v1/claims/sync", nil), &auth.Claims{UserID: "caller-1"})
	rec := httptest.NewRecorder()

	h.SyncClaims(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if users.lastAttrs["dbRole"] != "public" {
		t.Errorf("dbRole = %s", users.lastAttrs["dbRole"])
	}

	var resp struct {
		Matched bool `json:"matched"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Matched {
		t.Error("expected matched=false")
	}
}

func TestSyncClaims_StoreFailure(t *testing.T) {
	users := &mockUserStore{err: errStoreDown}
	h := NewHandler(zap.NewNop(), &mockPushService{}, &mockReconciler{}, &mockDirectory{}, users)

	req := withClaims(httptest.NewRequest(http.MethodPost, "/v1/claims/sync", nil), &auth.Claims{UserID: "caller-1"})
	rec := httptest.NewRecorder()

	h.SyncClaims(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if problem := decodeProblem(t, rec); problem.Type != "persistence-error" {
		t.Errorf("type = %s", problem.Type)
	}
}

func TestRegisterDevice(t *testing.T) {
	users := &mockUserStore{}
	h := NewHandler(zap.NewNop(), &mockPushService{}, &mockReconciler{}, &mockDirectory{}, users)

	body := bytes.NewBufferString(`{"deviceId": "dev-1", "pushToken": "ExponentPushToken[abc123]"}`)
	req := withClaims(httptest.NewRequest(http.MethodPost, "/v1/devices", body), &auth.Claims{UserID: "caller-1"})
	rec := httptest.NewRecorder()

	h.RegisterDevice(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	d := users.lastDevice
	if d == nil || d.ID != "dev-1" {
		t.Fatalf("unexpected device: %+v", d)
	}
	if d.PushToken == nil || *d.PushToken != "ExponentPushToken[abc123]" {
		t.Errorf("token not carried: %+v", d.PushToken)
	}
	if d.UserID == nil || *d.UserID != "caller-1" {
		t.Errorf("device not owned by caller: %+v", d.UserID)
	}
}

func TestRegisterDevice_NullTokenClears(t *testing.T) {
	users := &mockUserStore{}
	h := NewHandler(zap.NewNop(), &mockPushService{}, &mockReconciler{}, &mockDirectory{}, users)

	body := bytes.NewBufferString(`{"deviceId": "dev-1", "pushToken": null}`)
	req := withClaims(httptest.NewRequest(http.MethodPost, "/v1/devices", body), &auth.Claims{UserID: "caller-1"})
	rec := httptest.NewRecorder()

	h.RegisterDevice(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if users.lastDevice == nil || users.lastDevice.PushToken != nil {
		t.Fatalf("expected nil token, got %+v", users.lastDevice)
	}
}

func TestRegisterDevice_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing device id", `{"pushToken": "ExponentPushToken[abc]"}`},
		{"malformed token", `{"deviceId": "dev-1", "pushToken": "not-a-token"}`},
		{"malformed body", `{`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			users := &mockUserStore{}
			h := NewHandler(zap.NewNop(), &mockPushService{}, &mockReconciler{}, &mockDirectory{}, users)

			req := withClaims(httptest.NewRequest(http.MethodPost, "/v1/devices", bytes.NewBufferString(tt.body)), &auth.Claims{UserID: "caller-1"})
			rec := httptest.NewRecorder()

			h.RegisterDevice(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d", rec.Code)
			}
			if users.lastDevice != nil {
				t.Fatalf("store should not be touched, got %+v", users.lastDevice)
			}
		})
	}
}

func TestRegisterDevice_StoreFailure(t *testing.T) {
	users := &mockUserStore{err: errStoreDown}
	h := NewHandler(zap.NewNop(), &mockPushService{}, &mockReconciler{}, &mockDirectory{}, users)

	body := bytes.NewBufferString(`{"deviceId": "dev-1"}`)
	req := withClaims(httptest.NewRequest(http.MethodPost, "/v1/devices", body), &auth.Claims{UserID: "caller-1"})
	rec := httptest.NewRecorder()

	h.RegisterDevice(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if problem := decodeProblem(t, rec); problem.Type != "persistence-error" {
		t.Errorf("type = %s", problem.Type)
	}
}
