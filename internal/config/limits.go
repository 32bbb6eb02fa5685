package config

// ProviderLimit caps requests per minute and per day for one upstream
// provider. The day boundary is computed in Timezone.
type ProviderLimit struct {
	RPM int `yaml:"rpm"`
	RPD int `yaml:"rpd"`
}

// LimitsConfig holds per-provider rate caps and the reference time zone for
// the daily reset.
type LimitsConfig struct {
	Timezone  string                   `yaml:"timezone"`
	Providers map[string]ProviderLimit `yaml:"providers"`
}

// DefaultLimitsConfig returns the stock caps.
func DefaultLimitsConfig() LimitsConfig {
	return LimitsConfig{
		Timezone: "America/Los_Angeles",
		Providers: map[string]ProviderLimit{
			"gemini": {RPM: 10, RPD: 1500},
			"qbo":    {RPM: 450, RPD: 40000},
		},
	}
}

// For returns the limit for a provider, with a permissive fallback for
// providers the config does not name.
func (c LimitsConfig) For(provider string) ProviderLimit {
	if l, ok := c.Providers[provider]; ok {
		return l
	}
	return ProviderLimit{RPM: 60, RPD: 10000}
}
