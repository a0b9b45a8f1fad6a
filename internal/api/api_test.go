package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopdm/dmflow/internal/actions"
	"github.com/shopdm/dmflow/internal/catalog"
	"github.com/shopdm/dmflow/internal/flow"
	"github.com/shopdm/dmflow/internal/genai"
	"github.com/shopdm/dmflow/internal/guardrail"
	"github.com/shopdm/dmflow/internal/messaging"
	"github.com/shopdm/dmflow/internal/models"
	"github.com/shopdm/dmflow/internal/policy"
	"github.com/shopdm/dmflow/internal/store"
)

const testSecret = "test-webhook-secret"

type stubGenerator struct {
	reply string
}

func (g *stubGenerator) Generate(ctx context.Context, conversationID string, mode models.ConversationMode, system string, turns []genai.Turn) (*genai.Result, string, error) {
	return &genai.Result{Text: g.reply}, "provider-a", nil
}

type stubFollowups struct{}

func (stubFollowups) OnIntent(string, time.Time) (bool, error) { return false, nil }
func (stubFollowups) OnUserMessage(string) error               { return nil }

type testEnv struct {
	server *Server
	store  *store.MemoryStore
	sender *messaging.MockService
	queue  *actions.Queue
}

func newTestServer(t *testing.T, options ...Option) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	sender := messaging.NewMockService()
	cfg := models.DefaultBotConfig()
	policies := policy.NewService(st)
	cat := catalog.NewStaticCatalog(nil)
	assembler := flow.NewAssembler(st, policies, cat, nil)
	guard := guardrail.NewEngine(cfg)
	queue := actions.NewQueue(st, nil)
	gen := &stubGenerator{reply: "پاسخ دقیق و مفید درباره سفارش شما"}
	orch := flow.NewOrchestrator(st, assembler, gen, guard, sender, queue, stubFollowups{}, policies, cfg)

	options = append([]Option{WithWebhookSecret(testSecret)}, options...)
	return &testEnv{
		server: NewServer(orch, st, queue, policies, cfg, options...),
		store:  st,
		sender: sender,
		queue:  queue,
	}
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func webhookBody(text string, ts int64) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"sender_id":    "user-1",
		"recipient_id": "page-1",
		"message_type": "text",
		"text":         text,
		"timestamp":    ts,
	})
	return body
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
	return resp
}

func TestWebhookHandlerProcessesEvent(t *testing.T) {
	env := newTestServer(t)
	handler := env.server.Handler()

	body := webhookBody("سلام، سفارشم کی می‌رسه؟", time.Now().Unix())
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set(signatureHeader, sign(body))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	resp := decodeResponse(t, rr)
	if resp.Status != string(models.APIStatusOK) {
		t.Errorf("response status = %q", resp.Status)
	}
	if len(env.sender.Sent()) != 1 {
		t.Errorf("sent %d plans, want 1", len(env.sender.Sent()))
	}
}

func TestWebhookHandlerRejectsBadSignature(t *testing.T) {
	env := newTestServer(t)
	handler := env.server.Handler()

	body := webhookBody("hello", time.Now().Unix())
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set(signatureHeader, "sha256=deadbeef")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
	if len(env.sender.Sent()) != 0 {
		t.Errorf("unsigned event produced a send")
	}
}

func TestWebhookHandlerAbsorbsDuplicate(t *testing.T) {
	env := newTestServer(t)
	handler := env.server.Handler()

	body := webhookBody("duplicate me", time.Now().Unix())
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
		req.Header.Set(signatureHeader, sign(body))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("delivery %d: status = %d", i, rr.Code)
		}
		resp := decodeResponse(t, rr)
		want := string(models.APIStatusOK)
		if i == 1 {
			want = string(models.APIStatusDuplicate)
		}
		if resp.Status != want {
			t.Errorf("delivery %d: status = %q, want %q", i, resp.Status, want)
		}
	}
	if len(env.sender.Sent()) != 1 {
		t.Errorf("sent %d plans, want 1", len(env.sender.Sent()))
	}
}

func TestWebhookHandlerRejectsInvalidEvent(t *testing.T) {
	env := newTestServer(t)
	handler := env.server.Handler()

	cases := []struct {
		name string
		body []byte
		want int
	}{
		{"malformed json", []byte("{not json"), http.StatusBadRequest},
		{"missing sender", []byte(`{"recipient_id":"page-1","message_type":"text","text":"hi"}`), http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(tc.body))
			req.Header.Set(signatureHeader, sign(tc.body))
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if rr.Code != tc.want {
				t.Errorf("status = %d, want %d", rr.Code, tc.want)
			}
		})
	}
}

func TestSimulateHandler(t *testing.T) {
	env := newTestServer(t)
	handler := env.server.Handler()

	body := []byte(`{"participant_id":"user-9","text":"قیمت چنده؟"}`)
	req := httptest.NewRequest(http.MethodPost, "/simulate", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if len(env.sender.Sent()) != 0 {
		t.Errorf("simulate sent a message")
	}

	// Missing fields are rejected.
	req = httptest.NewRequest(http.MethodPost, "/simulate", bytes.NewReader([]byte(`{"text":"hi"}`)))
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func seedAction(t *testing.T, env *testEnv) models.PendingAction {
	t.Helper()
	action := models.PendingAction{
		ID:             "act-1",
		ConversationID: "conv-1",
		ActionType:     models.ActionFAQCreate,
		Summary:        "add sizing FAQ",
		Payload:        json.RawMessage(`{"question":"سایز؟","answer":"38 تا 44"}`),
		Status:         models.ActionPending,
		CreatedAt:      time.Now().UTC(),
	}
	if err := env.queue.Enqueue(action); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	return action
}

func TestActionEndpoints(t *testing.T) {
	env := newTestServer(t)
	handler := env.server.Handler()
	action := seedAction(t, env)

	// List pending.
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/actions", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d", rr.Code)
	}

	// Approve executes and resolves.
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/actions/"+action.ID+"/approve", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("approve status = %d, body = %s", rr.Code, rr.Body.String())
	}
	got, err := env.queue.Get(action.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != models.ActionExecuted {
		t.Errorf("status after approve = %q, want executed", got.Status)
	}

	// Terminal actions cannot be rejected.
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/actions/"+action.ID+"/reject", nil))
	if rr.Code != http.StatusConflict {
		t.Errorf("reject-after-execute status = %d, want 409", rr.Code)
	}

	// Unknown IDs are 404.
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/actions/no-such-id", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("get unknown status = %d, want 404", rr.Code)
	}

	// Invalid status filter is 400.
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/actions?status=bogus", nil))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bogus filter status = %d, want 400", rr.Code)
	}
}

func TestPatchActionEndpoint(t *testing.T) {
	env := newTestServer(t)
	handler := env.server.Handler()
	action := seedAction(t, env)

	body := []byte(`{"summary":"edited","payload":{"question":"رنگ؟","answer":"قرمز و مشکی"}}`)
	req := httptest.NewRequest(http.MethodPatch, "/actions/"+action.ID, bytes.NewReader(body))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("patch status = %d, body = %s", rr.Code, rr.Body.String())
	}
	got, _ := env.queue.Get(action.ID)
	if got.Summary != "edited" {
		t.Errorf("summary = %q", got.Summary)
	}

	// Payload that fails the action type validation is rejected.
	req = httptest.NewRequest(http.MethodPatch, "/actions/"+action.ID, bytes.NewReader([]byte(`{"payload":{"question":""}}`)))
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("invalid payload status = %d, want 400", rr.Code)
	}
}

func TestPoliciesEndpoints(t *testing.T) {
	env := newTestServer(t)
	handler := env.server.Handler()

	// Plain admin text gets stored even without a chat marker.
	body := []byte(`{"text":"هرگز تخفیف بیشتر از ده درصد نده"}`)
	req := httptest.NewRequest(http.MethodPost, "/policies", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("post status = %d, body = %s", rr.Code, rr.Body.String())
	}

	// Re-posting the same directive is a duplicate.
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/policies", bytes.NewReader(body)))
	resp := decodeResponse(t, rr)
	if resp.Status != string(models.APIStatusDuplicate) {
		t.Errorf("duplicate post status = %q", resp.Status)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/policies", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d", rr.Code)
	}
	items, _ := env.store.ListPolicyItems(10)
	if len(items) != 1 {
		t.Fatalf("stored policies = %d, want 1", len(items))
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/policies", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rr.Code)
	}
	items, _ = env.store.ListPolicyItems(10)
	if len(items) != 0 {
		t.Errorf("policies after reset = %d, want 0", len(items))
	}
}

func TestConversationEndpoints(t *testing.T) {
	env := newTestServer(t)
	handler := env.server.Handler()

	conv, _, err := env.store.GetOrCreateConversation("user-5", time.Now().UTC())
	if err != nil {
		t.Fatalf("GetOrCreateConversation() error = %v", err)
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/conversations/"+conv.ID, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d, body = %s", rr.Code, rr.Body.String())
	}

	modeBody := []byte(fmt.Sprintf(`{"mode":%q}`, models.ModeProviderB))
	req := httptest.NewRequest(http.MethodPost, "/conversations/"+conv.ID+"/mode", bytes.NewReader(modeBody))
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("mode status = %d, body = %s", rr.Code, rr.Body.String())
	}
	got, _ := env.store.GetConversation(conv.ID)
	if got.Mode != models.ModeProviderB {
		t.Errorf("mode = %q, want provider_b", got.Mode)
	}

	// Invalid mode is rejected.
	req = httptest.NewRequest(http.MethodPost, "/conversations/"+conv.ID+"/mode", bytes.NewReader([]byte(`{"mode":"bogus"}`)))
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("invalid mode status = %d, want 400", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/conversations/no-such-id", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown conversation status = %d, want 404", rr.Code)
	}
}

func TestFollowupsEndpointRequiresConversationID(t *testing.T) {
	env := newTestServer(t)
	handler := env.server.Handler()

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/followups", nil))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/followups?conversation_id=conv-1", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

func TestAdminTokenGuardsAdminEndpoints(t *testing.T) {
	env := newTestServer(t, WithAdminToken("sekrit"))
	handler := env.server.Handler()

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/actions", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/actions", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", rr.Code)
	}

	// The webhook stays open: the platform cannot send bearer tokens.
	body := webhookBody("hi there", time.Now().Unix())
	wreq := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	wreq.Header.Set(signatureHeader, sign(body))
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, wreq)
	if rr.Code != http.StatusOK {
		t.Errorf("webhook status = %d, want 200", rr.Code)
	}
}

func TestHealthHandler(t *testing.T) {
	env := newTestServer(t)
	handler := env.server.Handler()

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var health map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &health); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	if health["status"] != "healthy" {
		t.Errorf("health status = %v", health["status"])
	}
}
