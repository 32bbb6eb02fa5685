package config

// QBOConfig configures the QuickBooks Online connection. ClientSecret is
// environment-only and never written back to the config file.
type QBOConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"-"`
	RedirectURL  string `yaml:"redirect_url"`
	Environment  string `yaml:"environment"` // sandbox or production
}

// DefaultQBOConfig returns sandbox defaults.
func DefaultQBOConfig() QBOConfig {
	return QBOConfig{
		RedirectURL: "http://localhost:8742/oauth-callback",
		Environment: "sandbox",
	}
}

// APIBase returns the accounting API base URL for the environment.
func (c QBOConfig) APIBase() string {
	if c.Environment == "production" {
		return "https://quickbooks.api.intuit.com"
	}
	return "https://sandbox-quickbooks.api.intuit.com"
}
