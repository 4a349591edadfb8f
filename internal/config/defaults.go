package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		WhatsApp: WhatsAppConfig{
			APIBase:            "https://graph.facebook.com/v21.0",
			WebhookPath:        "/webhook",
			Host:               "0.0.0.0",
			Port:               8000,
			SendTimeoutSeconds: 30,
		},
		Answer: AnswerConfig{
			UserID:         "whatsapp_user",
			TimeoutSeconds: 15,
			FallbackReply:  "Sorry, the assistant is unavailable right now. Please try again later.",
		},
		Relay: RelayConfig{
			MaxConcurrentDeliveries: 5,
			BusBuffer:               100,
		},
		Dedup: DedupConfig{
			MaxEntries: 0, // unbounded
			TTLSeconds: 0,
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
	}
}
