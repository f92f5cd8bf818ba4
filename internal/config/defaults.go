package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:             "info",
			DefaultProvider:      "ollama",
			HistoryWindow:        30,
			EventDeadlineSeconds: 90,
		},
		Providers: map[string]ProviderConfig{
			"ollama": {
				Enabled:      true,
				APIBase:      "http://localhost:11434",
				DefaultModel: "llama3.1:8b",
			},
		},
		Channels: ChannelsConfig{
			WhatsApp: WhatsAppConfig{
				Enabled:     false,
				ListenAddr:  ":8090",
				WebhookPath: "/webhook/whatsapp",
			},
			Telegram: TelegramConfig{
				Enabled: false,
			},
			Discord: DiscordConfig{
				Enabled: false,
			},
		},
		Store: StoreConfig{
			DBPath:               "~/.relaybot/events.db",
			DedupRetentionDays:   7,
			PruneIntervalMinutes: 60,
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialDelayMs: 1000,
			Multiplier:     2,
		},
		Agent: AgentConfig{
			MaxTokens:     4096,
			Temperature:   0.7,
			RatePerMinute: 30,
			RateBurst:     5,
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9091",
		},
	}
}
