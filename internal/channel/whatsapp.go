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
	"sync/atomic"
	"time"

	"github.com/loja-space/go-common-kit/pkg/dispatcher"

	"finbot/internal/config"
	"finbot/internal/domain"
	"finbot/internal/metrics"
)

const (
	maxBodySize      = 1 << 20 // 1MB
	sendQueueSize    = 256
	sendDrainTimeout = 5 * time.Second
)

// WhatsApp is the webhook intake and reply sender for the WhatsApp Business
// Cloud API. It owns the HTTP server: the GET handler terminates the
// verification handshake, the POST handler parses deliveries, consults the
// dedup ledger, and publishes accepted messages on the bus. The POST response
// never waits for the answering service or the send API.
type WhatsApp struct {
	cfg             config.WhatsAppConfig
	bus             domain.MessageBus
	ledger          domain.Ledger
	logger          *slog.Logger
	client          *http.Client
	server          *http.Server
	metrics         http.Handler
	metricsEndpoint string

	// Outbound sends are serialized through a single-consumer dispatcher;
	// relay workers enqueue and do not wait on the result.
	sends   *dispatcher.RequestDispatcher
	sendSeq atomic.Int32
}

type WhatsAppChannelConfig struct {
	Config          config.WhatsAppConfig
	Ledger          domain.Ledger
	Logger          *slog.Logger
	Metrics         http.Handler // optional: mounted at MetricsEndpoint
	MetricsEndpoint string
}

func NewWhatsApp(cfg WhatsAppChannelConfig) *WhatsApp {
	timeout := time.Duration(cfg.Config.SendTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WhatsApp{
		cfg:             cfg.Config,
		ledger:          cfg.Ledger,
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
		metricsEndpoint: cfg.MetricsEndpoint,
		client:          &http.Client{Timeout: timeout},
	}
}

func (w *WhatsApp) Name() string { return "whatsapp" }

// Start begins the webhook HTTP server and blocks until ctx is cancelled.
func (w *WhatsApp) Start(ctx context.Context, bus domain.MessageBus) error {
	w.bus = bus

	w.sends = dispatcher.NewRequestDispatcher(sendQueueSize, w.handleSend)

	// Fire-and-forget: enqueue the reply and return. In-flight replies may be
	// dropped on shutdown; the dispatcher drains what it can.
	bus.OnOutbound(func(reply domain.OutboundReply) {
		req := &dispatcher.Request{
			RequestID: w.sendSeq.Add(1),
			Payload:   reply,
			FromApp:   "relay",
			Timestamp: time.Now(),
		}
		if _, ok := w.sends.TrySend(req); !ok {
			metrics.SendFailuresTotal.Inc()
			w.logger.Error("send queue full, reply dropped", "recipient", reply.Recipient)
		}
	})

	webhookPath := w.cfg.WebhookPath
	if webhookPath == "" {
		webhookPath = "/webhook"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+webhookPath, w.handleVerification)
	mux.HandleFunc("POST "+webhookPath, w.handleDelivery)
	mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		fmt.Fprint(rw, "ok")
	})
	if w.metrics != nil {
		endpoint := w.metricsEndpoint
		if endpoint == "" {
			endpoint = "/metrics"
		}
		mux.Handle("GET "+endpoint, w.metrics)
	}

	w.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", w.cfg.Host, w.cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	w.logger.Info("whatsapp webhook server starting",
		"addr", w.server.Addr,
		"path", webhookPath,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := w.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		w.logger.Info("whatsapp webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := w.server.Shutdown(shutdownCtx)
		if cerr := w.sends.CloseWithTimeout(sendDrainTimeout); cerr != nil {
			w.logger.Warn("send queue did not drain before shutdown", "err", cerr)
		}
		return err
	case err := <-errCh:
		w.sends.Close()
		return fmt.Errorf("whatsapp webhook server: %w", err)
	}
}

// handleSend is the dispatcher consumer: one platform send at a time, each
// with its own timeout. Failures are logged and counted, never retried.
func (w *WhatsApp) handleSend(req *dispatcher.Request) *dispatcher.Response {
	reply, ok := req.Payload.(domain.OutboundReply)
	if !ok {
		return &dispatcher.Response{Req: req, Error: fmt.Errorf("unexpected payload %T", req.Payload)}
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.client.Timeout)
	defer cancel()

	if err := w.Send(ctx, reply.Recipient, reply.Body); err != nil {
		metrics.SendFailuresTotal.Inc()
		w.logger.Error("whatsapp send failed", "err", err, "recipient", reply.Recipient)
		return &dispatcher.Response{Req: req, Error: err}
	}

	metrics.RepliesSentTotal.Inc()
	w.logger.Debug("whatsapp reply sent", "recipient", reply.Recipient, "body_len", len(reply.Body))
	return &dispatcher.Response{Req: req, Result: reply.Recipient}
}

// --- Webhook handlers ---

// handleVerification terminates the webhook verification handshake. The
// challenge is echoed verbatim so the platform can confirm ownership.
func (w *WhatsApp) handleVerification(rw http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode == "subscribe" && token == w.cfg.VerifyToken {
		w.logger.Info("whatsapp webhook verified")
		rw.WriteHeader(http.StatusOK)
		fmt.Fprint(rw, challenge)
		return
	}

	w.logger.Warn("whatsapp webhook verification failed", "mode", mode)
	http.Error(rw, "verification failed", http.StatusForbidden)
}

// handleDelivery processes incoming delivery callbacks. Payload shape
// variance never fails the response: the platform retries deliveries that
// are not acknowledged quickly, so anything past the signature check gets
// 200 "ok" before the relay work runs.
func (w *WhatsApp) handleDelivery(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(rw, "Bad request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if w.cfg.AppSecret != "" {
		sig := r.Header.Get("X-Hub-Signature-256")
		if !w.verifySignature(body, sig) {
			w.logger.Warn("whatsapp invalid signature")
			http.Error(rw, "Forbidden", http.StatusForbidden)
			return
		}
	}

	var payload waPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		w.logger.Warn("whatsapp bad payload", "err", err)
	} else {
		w.processPayload(payload)
	}

	rw.WriteHeader(http.StatusOK)
	fmt.Fprint(rw, "ok")
}

// processPayload walks the entry/changes/messages envelope. Messages missing
// a required field are dropped silently; duplicate ids are skipped via one
// atomic ledger check so concurrent redeliveries cannot both pass.
func (w *WhatsApp) processPayload(payload waPayload) {
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, msg := range change.Value.Messages {
				if msg.Type != "" && msg.Type != "text" {
					continue
				}
				if msg.Text == nil || msg.ID == "" || msg.From == "" || msg.Text.Body == "" {
					continue
				}

				if !w.ledger.CheckAndAdd(msg.ID) {
					metrics.DuplicatesTotal.Inc()
					w.logger.Debug("duplicate delivery skipped", "id", msg.ID)
					continue
				}
				metrics.DeliveriesTotal.Inc()
				metrics.DedupEntries.Set(int64(w.ledger.Len()))

				w.logger.Info("whatsapp message received",
					"id", msg.ID, "from", msg.From, "text_len", len(msg.Text.Body))

				w.bus.Publish(domain.InboundMessage{
					ID:        msg.ID,
					Sender:    msg.From,
					Text:      msg.Text.Body,
					Timestamp: time.Now(),
				})
			}
		}
	}
}

// verifySignature checks the X-Hub-Signature-256 header.
func (w *WhatsApp) verifySignature(body []byte, signature string) bool {
	if len(signature) < 7 || signature[:7] != "sha256=" {
		return false
	}
	expected := signature[7:]

	mac := hmac.New(sha256.New, []byte(w.cfg.AppSecret))
	mac.Write(body)
	computed := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(computed))
}

// Send delivers a text message via the WhatsApp Cloud API. Single attempt.
func (w *WhatsApp) Send(ctx context.Context, to string, text string) error {
	url := fmt.Sprintf("%s/%s/messages", w.cfg.APIBase, w.cfg.PhoneNumberID)

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "text",
		"text":              map[string]string{"body": text},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+w.cfg.AccessToken)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("whatsapp API %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

// --- WhatsApp webhook payload types ---

type waPayload struct {
	Object string    `json:"object"`
	Entry  []waEntry `json:"entry"`
}

type waEntry struct {
	ID      string     `json:"id"`
	Changes []waChange `json:"changes"`
}

type waChange struct {
	Value waValue `json:"value"`
	Field string  `json:"field"`
}

type waValue struct {
	MessagingProduct string      `json:"messaging_product"`
	Messages         []waMessage `json:"messages"`
}

type waMessage struct {
	From string  `json:"from"`
	ID   string  `json:"id"`
	Type string  `json:"type"`
	Text *waText `json:"text,omitempty"`
}

type waText struct {
	Body string `json:"body"`
}
