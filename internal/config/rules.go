package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/openquant/tradecore/internal/modules/routing"
)

// Rules is the operator-maintained rule file: routing table, broker
// connections and job schedules. Versioned alongside deployments, not in the
// database.
type Rules struct {
	Routing   routing.Rules `yaml:"routing"`
	Brokers   []BrokerRule  `yaml:"brokers"`
	Schedules ScheduleRules `yaml:"schedules"`
}

// BrokerRule configures one broker connection.
type BrokerRule struct {
	ID   string `yaml:"id"`
	Kind string `yaml:"kind"` // "paper" or "rest"
	// REST connection settings; ignored for paper brokers.
	BaseURL           string  `yaml:"base_url"`
	WSURL             string  `yaml:"ws_url"`
	APIKeyEnv         string  `yaml:"api_key_env"`    // Env var holding the key
	APISecretEnv      string  `yaml:"api_secret_env"` // Env var holding the secret
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	MaxRetries        int     `yaml:"max_retries"`
}

// APIKey resolves the key from the configured environment variable.
func (b *BrokerRule) APIKey() string { return os.Getenv(b.APIKeyEnv) }

// APISecret resolves the secret from the configured environment variable.
func (b *BrokerRule) APISecret() string { return os.Getenv(b.APISecretEnv) }

// ScheduleRules holds cron expressions for the background jobs.
type ScheduleRules struct {
	// Reconciliation maps "scope" to a cron expression, applied per broker.
	Reconciliation map[string]string `yaml:"reconciliation"`
	InstrumentSync string            `yaml:"instrument_sync"`
	CachePurge     string            `yaml:"cache_purge"`
}

// DefaultRules returns the rule set used when no rules file is configured:
// a single paper broker taking all flow, with conservative schedules.
func DefaultRules(defaultBroker string) *Rules {
	return &Rules{
		Routing: routing.Rules{DefaultBroker: defaultBroker},
		Brokers: []BrokerRule{{ID: defaultBroker, Kind: "paper"}},
		Schedules: ScheduleRules{
			Reconciliation: map[string]string{"all": "0 */15 * * * *"},
			InstrumentSync: "0 0 7 * * MON-FRI",
			CachePurge:     "@hourly",
		},
	}
}

// LoadRules parses the YAML rules file at path.
func LoadRules(path string) (*Rules, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	var rules Rules
	if err := yaml.Unmarshal(raw, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	return &rules, nil
}

// Validate checks rule-file invariants.
func (r *Rules) Validate() error {
	if r.Routing.DefaultBroker == "" {
		return fmt.Errorf("routing.default_broker must be set")
	}
	if len(r.Brokers) == 0 {
		return fmt.Errorf("at least one broker must be configured")
	}
	known := make(map[string]bool, len(r.Brokers))
	for _, b := range r.Brokers {
		if b.ID == "" {
			return fmt.Errorf("broker id must not be empty")
		}
		if known[b.ID] {
			return fmt.Errorf("duplicate broker id %q", b.ID)
		}
		known[b.ID] = true
		switch b.Kind {
		case "paper":
		case "rest":
			if b.BaseURL == "" {
				return fmt.Errorf("broker %s: rest brokers require base_url", b.ID)
			}
		default:
			return fmt.Errorf("broker %s: unknown kind %q", b.ID, b.Kind)
		}
	}
	if !known[r.Routing.DefaultBroker] {
		return fmt.Errorf("default broker %q is not a configured broker", r.Routing.DefaultBroker)
	}
	for _, target := range r.Routing.ByInstrumentType {
		if !known[target] {
			return fmt.Errorf("routing target %q is not a configured broker", target)
		}
	}
	return nil
}
