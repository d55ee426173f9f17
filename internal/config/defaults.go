package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:        "info",
			DefaultProvider: "ollama",
		},
		Probe: ProbeConfig{
			Binary:         "ping",
			Count:          3,
			TimeoutSeconds: 10,
		},
		Agent: AgentConfig{
			MaxConcurrent: 3,
			BusBuffer:     100,
			RateBurst:     5,
			RatePerMinute: 30,
		},
		Supervisor: SupervisorConfig{
			MaxRestarts:       5,
			InitialDelayMs:    1000,
			MaxDelayMs:        30000,
			BackoffFactor:     2.0,
			ResetAfterSeconds: 60,
		},
		Providers: map[string]ProviderConfig{
			"ollama": {
				Enabled:        true,
				APIBase:        "http://localhost:11434",
				DefaultModel:   "llama3.1:8b",
				TimeoutSeconds: 300,
			},
			"openai": {
				Enabled:        false,
				APIBase:        "https://api.openai.com/v1",
				APIKey:         "${OPENAI_API_KEY}",
				DefaultModel:   "gpt-4o-mini",
				TimeoutSeconds: 120,
			},
			"anthropic": {
				Enabled:        false,
				APIKey:         "${ANTHROPIC_API_KEY}",
				DefaultModel:   "claude-3-5-haiku-latest",
				TimeoutSeconds: 120,
			},
		},
		Channels: ChannelsConfig{
			CLI: CLIConfig{Enabled: true},
			Telegram: TelegramConfig{
				Enabled: false,
				Token:   "${TELEGRAM_BOT_TOKEN}",
			},
		},
		Memory: MemoryConfig{
			Enabled:       true,
			DBPath:        "~/.pingcrew/probes.db",
			RetentionDays: 30,
		},
		Tools: ToolsConfig{
			Web: WebToolConfig{Enabled: true, MaxResults: 5},
		},
		Crew: CrewConfig{
			AgentsFile: "~/.pingcrew/crew/agents.yaml",
			TasksFile:  "~/.pingcrew/crew/tasks.yaml",
			Model:      "llama3.2:3b",
			OutputDir:  ".",
		},
	}
}
