// Package catalogue loads the static declarative configuration: the
// 15-node catalogue, Master listen addresses, JWT secret and token
// lifetime, sampling/aggregator cadence, and the security allow-list.
// Changes require a process restart; no file watcher is wired.
package catalogue

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"scadamaster/internal/model"
)

// MasterConfig is the Master's full static configuration.
type MasterConfig struct {
	Nodes              []model.NodeDescriptor `yaml:"nodes"`
	HTTPListenAddr     string                 `yaml:"http_listen_addr"`
	WSListenAddr       string                 `yaml:"ws_listen_addr"`
	JWTSecret          string                 `yaml:"jwt_secret"`
	TokenLifetime      time.Duration          `yaml:"token_lifetime"`
	SamplingCadence    time.Duration          `yaml:"sampling_cadence"`
	AggregatorCadence  time.Duration          `yaml:"aggregator_cadence"`
	RingBufferCapacity int                    `yaml:"ring_buffer_capacity"`
	AllowList          []AllowEntry           `yaml:"allow_list"`
	Historian          HistorianConfig        `yaml:"historian"`
	Metrics            MetricsConfig          `yaml:"metrics"`
	Users              []UserSeed             `yaml:"users"`
}

// AllowEntry is one (client_ip, protocol) pair seeded into the security
// engine's allow-list at startup; only the listed pairs are authorised,
// and no address is added by default.
type AllowEntry struct {
	ClientIP string `yaml:"client_ip"`
	Protocol string `yaml:"protocol"`
}

// HistorianConfig configures the C9 sink: the external store's DSN plus
// batching/spillover tuning.
type HistorianConfig struct {
	DSN               string        `yaml:"dsn"`
	FlushInterval     time.Duration `yaml:"flush_interval"`
	FlushRows         int           `yaml:"flush_rows"`
	SpillCapacity     int           `yaml:"spill_capacity"`
	MaxRetryBackoff   time.Duration `yaml:"max_retry_backoff"`
}

// MetricsConfig selects the obs/metrics backend.
type MetricsConfig struct {
	Backend string `yaml:"backend"` // prom|otel|noop
}

// UserSeed declares one operator account at bootstrap. PasswordHash is a
// bcrypt hash; plaintext passwords are never stored in the catalogue.
type UserSeed struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
	Role         string `yaml:"role"`
}

// Defaults returns the Master's cadence and capacity defaults.
func Defaults() MasterConfig {
	return MasterConfig{
		HTTPListenAddr:     ":9000",
		WSListenAddr:       ":9001",
		TokenLifetime:      60 * time.Minute,
		SamplingCadence:    time.Second,
		AggregatorCadence:  time.Second,
		RingBufferCapacity: 3600,
		Historian: HistorianConfig{
			FlushInterval:   time.Second,
			FlushRows:       500,
			SpillCapacity:   100_000,
			MaxRetryBackoff: 60 * time.Second,
		},
		Metrics: MetricsConfig{Backend: "prom"},
	}
}

// Load reads and decodes a Master configuration file, applying
// environment variable overrides for listen ports and the JWT secret.
func Load(path string) (MasterConfig, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return MasterConfig{}, fmt.Errorf("catalogue: read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return MasterConfig{}, fmt.Errorf("catalogue: parse config %s: %w", path, err)
	}
	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return MasterConfig{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *MasterConfig) {
	if v := os.Getenv("SCADAMASTER_HTTP_ADDR"); v != "" {
		cfg.HTTPListenAddr = v
	}
	if v := os.Getenv("SCADAMASTER_WS_ADDR"); v != "" {
		cfg.WSListenAddr = v
	}
	if v := os.Getenv("SCADAMASTER_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("SCADAMASTER_TOKEN_LIFETIME_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TokenLifetime = time.Duration(n) * time.Second
		}
	}
}

func validate(cfg MasterConfig) error {
	if len(cfg.Nodes) == 0 {
		return fmt.Errorf("catalogue: no nodes declared")
	}
	seen := make(map[string]struct{}, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		if n.NodeID == "" {
			return fmt.Errorf("catalogue: node with empty node_id")
		}
		if _, dup := seen[n.NodeID]; dup {
			return fmt.Errorf("catalogue: duplicate node_id %q", n.NodeID)
		}
		seen[n.NodeID] = struct{}{}
		switch n.Kind {
		case model.NodeGeneration, model.NodeSubstation, model.NodeDistribution:
		default:
			return fmt.Errorf("catalogue: node %q has unknown kind %q", n.NodeID, n.Kind)
		}
	}
	if cfg.JWTSecret == "" {
		return fmt.Errorf("catalogue: jwt_secret is required")
	}
	return nil
}

// RTUConfig is the per-process configuration for a single RTU instance,
// a subset of its NodeDescriptor plus the Master control-channel address.
// The RTU runtime does not dial MasterControlAddr: it listens on
// Descriptor.ControlPort and the Master dials it.
type RTUConfig struct {
	Descriptor        model.NodeDescriptor `yaml:"descriptor"`
	MasterControlAddr string               `yaml:"master_control_addr"`
	SamplingCadence   time.Duration        `yaml:"sampling_cadence"`
	LocalBufferCap    int                  `yaml:"local_buffer_capacity"`
	AllowList         []AllowEntry         `yaml:"allow_list"`
}

// LoadRTU reads and decodes a single RTU's configuration file.
func LoadRTU(path string) (RTUConfig, error) {
	cfg := RTUConfig{SamplingCadence: time.Second, LocalBufferCap: 3600}
	data, err := os.ReadFile(path)
	if err != nil {
		return RTUConfig{}, fmt.Errorf("catalogue: read rtu config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return RTUConfig{}, fmt.Errorf("catalogue: parse rtu config %s: %w", path, err)
	}
	if v := os.Getenv("SCADARTU_MASTER_ADDR"); v != "" {
		cfg.MasterControlAddr = v
	}
	return cfg, nil
}

// DemoNodes returns the 15-node catalogue (3 generation, 7 substation, 5
// distribution) used by the bundled sample config and by tests that need
// a full grid without a config file on disk.
func DemoNodes() []model.NodeDescriptor {
	nodes := make([]model.NodeDescriptor, 0, 15)
	gen := []struct {
		id  string
		cap float64
	}{{"GEN-001", 500}, {"GEN-002", 350}, {"GEN-003", 420}}
	for i, g := range gen {
		nodes = append(nodes, model.NodeDescriptor{
			NodeID: g.id, Kind: model.NodeGeneration, Location: fmt.Sprintf("plant-%d", i+1),
			CapacityMW: g.cap, NominalVoltageKV: 230, NodeIP: fmt.Sprintf("10.0.1.%d", i+1),
			RESTPort: 8100 + i, ControlPort: 8200 + i, ModbusPort: 502, IEC104Port: 2404,
		})
	}
	for i := 1; i <= 7; i++ {
		nodes = append(nodes, model.NodeDescriptor{
			NodeID: fmt.Sprintf("SUB-%03d", i), Kind: model.NodeSubstation, Location: fmt.Sprintf("substation-%d", i),
			CapacityMW: 150, NominalVoltageKV: 115, NodeIP: fmt.Sprintf("10.0.2.%d", i),
			RESTPort: 8110 + i, ControlPort: 8210 + i, ModbusPort: 502, IEC104Port: 2404,
		})
	}
	for i := 1; i <= 5; i++ {
		nodes = append(nodes, model.NodeDescriptor{
			NodeID: fmt.Sprintf("DIST-%03d", i), Kind: model.NodeDistribution, Location: fmt.Sprintf("feeder-%d", i),
			CapacityMW: 40, NominalVoltageKV: 13.8, NodeIP: fmt.Sprintf("10.0.3.%d", i),
			RESTPort: 8120 + i, ControlPort: 8220 + i, ModbusPort: 502, IEC104Port: 2404,
		})
	}
	return nodes
}
