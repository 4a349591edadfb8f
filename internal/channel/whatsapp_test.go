package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"finbot/internal/config"
	"finbot/internal/dedup"
	"finbot/internal/domain"
)

func testWhatsAppLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// recordingBus captures published messages for assertions.
type recordingBus struct {
	mu       sync.Mutex
	inbound  []domain.InboundMessage
	outbound func(domain.OutboundReply)
}

func (b *recordingBus) Publish(msg domain.InboundMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inbound = append(b.inbound, msg)
}

func (b *recordingBus) Subscribe() <-chan domain.InboundMessage       { return nil }
func (b *recordingBus) SendOutbound(reply domain.OutboundReply)       {}
func (b *recordingBus) OnOutbound(handler func(domain.OutboundReply)) { b.outbound = handler }
func (b *recordingBus) Close()                                        {}

func (b *recordingBus) published() []domain.InboundMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.InboundMessage(nil), b.inbound...)
}

func newTestChannel(cfg config.WhatsAppConfig) (*WhatsApp, *recordingBus) {
	rb := &recordingBus{}
	w := &WhatsApp{
		cfg:    cfg,
		bus:    rb,
		ledger: dedup.NewLedger(),
		logger: testWhatsAppLogger(),
		client: &http.Client{Timeout: 5 * time.Second},
	}
	return w, rb
}

func deliveryPayload(id, from, text string) string {
	return fmt.Sprintf(`{"object":"whatsapp_business_account","entry":[{"id":"e1","changes":[{"field":"messages","value":{"messaging_product":"whatsapp","messages":[{"from":%q,"id":%q,"type":"text","text":{"body":%q}}]}}]}]}`,
		from, id, text)
}

// --- Verification handshake ---

func TestVerification_Match(t *testing.T) {
	w, _ := newTestChannel(config.WhatsAppConfig{VerifyToken: "tok-123"})

	req := httptest.NewRequest("GET", "/webhook?hub.mode=subscribe&hub.verify_token=tok-123&hub.challenge=challenge-xyz", nil)
	rr := httptest.NewRecorder()
	w.handleVerification(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Body.String() != "challenge-xyz" {
		t.Errorf("challenge must be echoed verbatim, got %q", rr.Body.String())
	}
}

func TestVerification_WrongToken(t *testing.T) {
	w, _ := newTestChannel(config.WhatsAppConfig{VerifyToken: "tok-123"})

	req := httptest.NewRequest("GET", "/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=c", nil)
	rr := httptest.NewRecorder()
	w.handleVerification(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rr.Code)
	}
	if rr.Body.String() == "c" {
		t.Error("challenge must not be echoed on mismatch")
	}
}

func TestVerification_WrongMode(t *testing.T) {
	w, _ := newTestChannel(config.WhatsAppConfig{VerifyToken: "tok-123"})

	req := httptest.NewRequest("GET", "/webhook?hub.mode=unsubscribe&hub.verify_token=tok-123&hub.challenge=c", nil)
	rr := httptest.NewRecorder()
	w.handleVerification(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rr.Code)
	}
}

func TestVerification_MissingParams(t *testing.T) {
	w, _ := newTestChannel(config.WhatsAppConfig{VerifyToken: "tok-123"})

	req := httptest.NewRequest("GET", "/webhook", nil)
	rr := httptest.NewRecorder()
	w.handleVerification(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rr.Code)
	}
}

// --- Delivery parsing ---

func postDelivery(w *WhatsApp, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/webhook", bytes.NewBufferString(body))
	rr := httptest.NewRecorder()
	w.handleDelivery(rr, req)
	return rr
}

func TestDelivery_ValidMessage(t *testing.T) {
	w, rb := newTestChannel(config.WhatsAppConfig{})

	rr := postDelivery(w, deliveryPayload("m1", "+919000000001", "hello"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Body.String() != "ok" {
		t.Errorf("expected body ok, got %q", rr.Body.String())
	}

	msgs := rb.published()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 published message, got %d", len(msgs))
	}
	if msgs[0].ID != "m1" || msgs[0].Sender != "+919000000001" || msgs[0].Text != "hello" {
		t.Errorf("unexpected message: %+v", msgs[0])
	}
}

func TestDelivery_MalformedVariants(t *testing.T) {
	variants := map[string]string{
		"bad json":         `{not json`,
		"empty object":     `{}`,
		"empty entry":      `{"entry":[]}`,
		"no changes":       `{"entry":[{"id":"e1"}]}`,
		"no messages":      `{"entry":[{"changes":[{"value":{}}]}]}`,
		"empty messages":   `{"entry":[{"changes":[{"value":{"messages":[]}}]}]}`,
		"missing id":       `{"entry":[{"changes":[{"value":{"messages":[{"from":"u","type":"text","text":{"body":"x"}}]}}]}]}`,
		"missing from":     `{"entry":[{"changes":[{"value":{"messages":[{"id":"m1","type":"text","text":{"body":"x"}}]}}]}]}`,
		"missing text":     `{"entry":[{"changes":[{"value":{"messages":[{"id":"m1","from":"u","type":"text"}]}}]}]}`,
		"empty text body":  `{"entry":[{"changes":[{"value":{"messages":[{"id":"m1","from":"u","type":"text","text":{"body":""}}]}}]}]}`,
		"non-text message": `{"entry":[{"changes":[{"value":{"messages":[{"id":"m1","from":"u","type":"image"}]}}]}]}`,
	}

	for name, body := range variants {
		w, rb := newTestChannel(config.WhatsAppConfig{})
		rr := postDelivery(w, body)

		if rr.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", name, rr.Code)
		}
		if got := len(rb.published()); got != 0 {
			t.Errorf("%s: expected zero published messages, got %d", name, got)
		}
	}
}

func TestDelivery_DuplicateID(t *testing.T) {
	w, rb := newTestChannel(config.WhatsAppConfig{})
	payload := deliveryPayload("m1", "u1", "hello")

	first := postDelivery(w, payload)
	second := postDelivery(w, payload)

	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("both deliveries must be acknowledged: %d, %d", first.Code, second.Code)
	}
	if got := len(rb.published()); got != 1 {
		t.Errorf("replayed payload must not be processed twice, got %d publishes", got)
	}
}

func TestDelivery_ConcurrentDuplicates(t *testing.T) {
	w, rb := newTestChannel(config.WhatsAppConfig{})
	payload := deliveryPayload("race-1", "u1", "hello")

	const n = 20
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			postDelivery(w, payload)
		}()
	}
	close(start)
	wg.Wait()

	if got := len(rb.published()); got != 1 {
		t.Errorf("concurrent duplicates: expected exactly 1 publish, got %d", got)
	}
}

func TestDelivery_DistinctIDs(t *testing.T) {
	w, rb := newTestChannel(config.WhatsAppConfig{})

	postDelivery(w, deliveryPayload("m1", "u1", "one"))
	postDelivery(w, deliveryPayload("m2", "u1", "two"))

	if got := len(rb.published()); got != 2 {
		t.Errorf("expected 2 publishes, got %d", got)
	}
}

func TestDelivery_MultipleMessagesInPayload(t *testing.T) {
	w, rb := newTestChannel(config.WhatsAppConfig{})

	body := `{"entry":[{"changes":[{"value":{"messages":[
		{"id":"b1","from":"u1","type":"text","text":{"body":"first"}},
		{"id":"b2","from":"u2","type":"text","text":{"body":"second"}}
	]}}]}]}`
	postDelivery(w, body)

	msgs := rb.published()
	if len(msgs) != 2 {
		t.Fatalf("expected both batched messages, got %d", len(msgs))
	}
	if msgs[0].ID != "b1" || msgs[1].ID != "b2" {
		t.Errorf("unexpected order: %+v", msgs)
	}
}

// --- Signature verification ---

func signBody(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestDelivery_SignatureRequired(t *testing.T) {
	w, rb := newTestChannel(config.WhatsAppConfig{AppSecret: "app-secret"})
	body := deliveryPayload("m1", "u1", "hello")

	req := httptest.NewRequest("POST", "/webhook", bytes.NewBufferString(body))
	rr := httptest.NewRecorder()
	w.handleDelivery(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Errorf("expected 403 without signature, got %d", rr.Code)
	}
	if len(rb.published()) != 0 {
		t.Error("unsigned delivery must not be processed")
	}
}

func TestDelivery_ValidSignature(t *testing.T) {
	w, rb := newTestChannel(config.WhatsAppConfig{AppSecret: "app-secret"})
	body := deliveryPayload("m1", "u1", "hello")

	req := httptest.NewRequest("POST", "/webhook", bytes.NewBufferString(body))
	req.Header.Set("X-Hub-Signature-256", signBody("app-secret", body))
	rr := httptest.NewRecorder()
	w.handleDelivery(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200 with valid signature, got %d", rr.Code)
	}
	if len(rb.published()) != 1 {
		t.Error("signed delivery should be processed")
	}
}

func TestDelivery_InvalidSignature(t *testing.T) {
	w, rb := newTestChannel(config.WhatsAppConfig{AppSecret: "app-secret"})
	body := deliveryPayload("m1", "u1", "hello")

	req := httptest.NewRequest("POST", "/webhook", bytes.NewBufferString(body))
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	rr := httptest.NewRecorder()
	w.handleDelivery(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Errorf("expected 403 with bad signature, got %d", rr.Code)
	}
	if len(rb.published()) != 0 {
		t.Error("badly signed delivery must not be processed")
	}
}

// --- Reply sending ---

func TestSend_BuildsPlatformPayload(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &gotBody)
		rw.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w, _ := newTestChannel(config.WhatsAppConfig{
		APIBase:       srv.URL,
		AccessToken:   "access-token",
		PhoneNumberID: "12345",
	})

	if err := w.Send(context.Background(), "+919000000001", "your summary"); err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}

	if gotAuth != "Bearer access-token" {
		t.Errorf("unexpected auth header: %q", gotAuth)
	}
	if gotBody["messaging_product"] != "whatsapp" {
		t.Errorf("unexpected messaging_product: %v", gotBody["messaging_product"])
	}
	if gotBody["to"] != "+919000000001" || gotBody["type"] != "text" {
		t.Errorf("unexpected payload: %v", gotBody)
	}
	text, _ := gotBody["text"].(map[string]any)
	if text["body"] != "your summary" {
		t.Errorf("unexpected text body: %v", text)
	}
}

func TestSend_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		http.Error(rw, `{"error":"bad token"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	w, _ := newTestChannel(config.WhatsAppConfig{
		APIBase:       srv.URL,
		AccessToken:   "bad",
		PhoneNumberID: "12345",
	})

	if err := w.Send(context.Background(), "u1", "text"); err == nil {
		t.Error("expected error on non-200 send")
	}
}

func TestSend_Unreachable(t *testing.T) {
	w, _ := newTestChannel(config.WhatsAppConfig{
		APIBase:       "http://127.0.0.1:1",
		AccessToken:   "tok",
		PhoneNumberID: "12345",
	})

	if err := w.Send(context.Background(), "u1", "text"); err == nil {
		t.Error("expected transport error")
	}
}
