package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Store: StoreConfig{
			Path: "~/.suppliersync/suppliersync.db",
		},
		Registry: RegistryConfig{
			SendTimeoutMs: 5000,
			QueueSize:     64,
			HistorySize:   100,
		},
		Resume: ResumeConfig{
			Backend:               "noop",
			MaxRetries:            3,
			BaseBackoffMs:         1000,
			MaxBackoffMs:          30000,
			AttemptTimeoutSeconds: 30,
			Temporal: TemporalConfig{
				Address:    "localhost:7233",
				Namespace:  "default",
				SignalName: "supplier_response",
			},
		},
		Sweep: SweepConfig{
			Enabled:  true,
			Schedule: "*/5 * * * *",
		},
		FollowUp: FollowUpConfig{
			Enabled:                 true,
			DispatchIntervalSeconds: 60,
			MaxFollowUps:            5,
			SendsPerMinute:          20,
			SendBurst:               5,
		},
		Relay: RelayConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			Channel: "suppliersync:events",
		},
		Auth: AuthConfig{
			Enabled: false,
			Issuer:  "suppliersync",
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
