package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/parley-labs/parley-core/core/chat"
	"gopkg.in/yaml.v3"
)

// Config is the deployment surface read from the environment. Everything
// here tunes behavior; wiring (participants, providers) stays in code.
type Config struct {
	LogLevel string `env:"PARLEY_LOG_LEVEL" envDefault:"INFO"`

	RotationPattern string `env:"PARLEY_ROTATION_PATTERN"`
	ErrorTemplate   string `env:"PARLEY_ERROR_TEMPLATE"`

	AnchorContextPath string        `env:"PARLEY_ANCHOR_CONTEXT"`
	Streaming         bool          `env:"PARLEY_STREAMING" envDefault:"true"`
	RequestTimeout    time.Duration `env:"PARLEY_REQUEST_TIMEOUT"`
	MaxExchanges      int           `env:"PARLEY_MAX_EXCHANGES" envDefault:"10"`
	SegmentMaxWords   int           `env:"PARLEY_SEGMENT_MAX_WORDS" envDefault:"10"`
	LocalTools        bool          `env:"PARLEY_LOCAL_TOOLS"`

	RouteTablePath string `env:"PARLEY_ROUTE_TABLE"`

	OpenAIAPIKey string `env:"OPENAI_API_KEY"`
	GroqAPIKey   string `env:"GROQ_API_KEY"`
}

func Load() (Config, error) {
	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}

// RouteTable maps route keys (participants or model aliases) to provider and
// model, with an optional fallback key.
type RouteTable struct {
	Fallback string                `yaml:"fallback,omitempty"`
	Routes   map[string]chat.Route `yaml:"routes"`
}

func LoadRouteTable(path string) (RouteTable, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return RouteTable{}, fmt.Errorf("failed to read route table: %w", err)
	}
	return ParseRouteTable(content)
}

func ParseRouteTable(content []byte) (RouteTable, error) {
	var table RouteTable
	if err := yaml.Unmarshal(content, &table); err != nil {
		return RouteTable{}, fmt.Errorf("malformed route table: %w", err)
	}
	if len(table.Routes) == 0 {
		return RouteTable{}, fmt.Errorf("route table names no routes")
	}
	if table.Fallback != "" {
		if _, ok := table.Routes[table.Fallback]; !ok {
			return RouteTable{}, fmt.Errorf("fallback route %q is not in the table", table.Fallback)
		}
	}
	return table, nil
}
