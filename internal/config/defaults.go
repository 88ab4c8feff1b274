package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
			StoreDir: "~/.wabridge/store",
		},
		Detection: DetectionConfig{
			APIBase:         "http://localhost:8000",
			DefaultLocation: "from_whatsapp",
			TimeoutSeconds:  30,
		},
		Monitor: MonitorConfig{
			JIDOnly: true,
		},
		Session: SessionConfig{
			MaxRetries:          10,
			RetryDelayMS:        3000,
			CooldownMS:          30000,
			ConnectRetryDelayMS: 5000,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 3000,
		},
		History: HistoryConfig{
			Enabled: true,
			DBPath:  "~/.wabridge/history.db",
		},
		Notify: NotifyConfig{
			Telegram: TelegramNotifyConfig{
				Enabled: false,
			},
		},
	}
}
