package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"finbot/internal/bus"
	"finbot/internal/config"
	"finbot/internal/dedup"
	"finbot/internal/domain"
	"finbot/internal/provider"
	"finbot/internal/relay"
)

// pipeline wires the webhook handler, bus, relay loop, answer client, and a
// fake platform send endpoint together, mirroring the gateway wiring.
type pipeline struct {
	channel   *WhatsApp
	sent      chan string // text bodies received by the fake send API
	questions chan string // questions received by the fake answering service
	answerHit *atomic.Int32
	stop      func()
}

func startPipeline(t *testing.T, answerHandler http.HandlerFunc) *pipeline {
	t.Helper()

	p := &pipeline{
		sent:      make(chan string, 10),
		questions: make(chan string, 10),
		answerHit: &atomic.Int32{},
	}

	answerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.answerHit.Add(1)
		var req struct {
			Question string `json:"question"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		p.questions <- req.Question
		answerHandler(w, r)
	}))

	graphSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Text struct {
				Body string `json:"body"`
			} `json:"text"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		p.sent <- body.Text.Body
		w.WriteHeader(http.StatusOK)
	}))

	b := bus.New(10, testWhatsAppLogger())

	w := &WhatsApp{
		cfg: config.WhatsAppConfig{
			APIBase:       graphSrv.URL,
			AccessToken:   "tok",
			PhoneNumberID: "123",
		},
		bus:    b,
		ledger: dedup.NewLedger(),
		logger: testWhatsAppLogger(),
		client: &http.Client{Timeout: 5 * time.Second},
	}
	p.channel = w

	// Same effect as the dispatcher registration in Start, without the
	// HTTP server: replies go straight to the fake send API.
	b.OnOutbound(func(reply domain.OutboundReply) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		w.Send(ctx, reply.Recipient, reply.Body)
	})

	answerer := provider.NewAnswerService(provider.AnswerServiceConfig{
		URL:     answerSrv.URL,
		UserID:  "fixed-user",
		Timeout: time.Second,
		Logger:  testWhatsAppLogger(),
	})

	loop := relay.NewLoop(relay.LoopConfig{
		Answerer:      answerer,
		Bus:           b,
		Logger:        testWhatsAppLogger(),
		FallbackReply: "assistant unavailable",
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	p.stop = func() {
		cancel()
		<-done
		b.Close()
		answerSrv.Close()
		graphSrv.Close()
	}
	return p
}

func TestPipeline_RelayAndDedup(t *testing.T) {
	p := startPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"response": "42 rupees"})
	})
	defer p.stop()

	payload := deliveryPayload("m1", "+919000000001", "hello")

	rr := postDelivery(p.channel, payload)
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("unexpected ack: %d %q", rr.Code, rr.Body.String())
	}

	select {
	case q := <-p.questions:
		if q != "hello" {
			t.Errorf("answering service got question %q", q)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("answering service not invoked")
	}

	select {
	case body := <-p.sent:
		if body != "42 rupees" {
			t.Errorf("send API got body %q", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send API not invoked")
	}

	// Replaying the identical payload must not reach the answering service.
	postDelivery(p.channel, payload)
	time.Sleep(200 * time.Millisecond)
	if p.answerHit.Load() != 1 {
		t.Errorf("replay caused %d answering calls, want 1", p.answerHit.Load())
	}
}

func TestPipeline_FallbackWhenAnswererFails(t *testing.T) {
	p := startPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	})
	defer p.stop()

	postDelivery(p.channel, deliveryPayload("m2", "u2", "help"))

	select {
	case body := <-p.sent:
		if body != "assistant unavailable" {
			t.Errorf("expected fallback body, got %q", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reply sender must still be invoked when the answerer fails")
	}
}
