// Package config loads and validates the YAML configuration consumed by
// cmd/fixgd, and provides the builder-style helper used to construct a
// SessionConfig programmatically for initiated connections.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AsyncRuntime records whether a gateway process intends to run pinned to a
// single core. It is carried in the config only; cmd/fixgd does not read it
// and does not change GOMAXPROCS.
type AsyncRuntime string

const (
	CurrentThread AsyncRuntime = "current_thread"
	MultiThread   AsyncRuntime = "multi_thread"
)

// StorageBackendKind selects which persistence mechanism a gateway's store
// uses. Aeron is accepted by config for forward compatibility with a future
// archive-backed store, but cmd/fixgd only wires File today.
type StorageBackendKind string

const (
	StorageFile  StorageBackendKind = "file"
	StorageAeron StorageBackendKind = "aeron"
)

type StorageBackend struct {
	Kind StorageBackendKind `yaml:"kind"`

	// File
	BaseDir string `yaml:"base_dir"`

	// Aeron
	ArchiveChannel string `yaml:"archive_channel"`
	StreamID       int32  `yaml:"stream_id"`
}

// Durability mirrors store.Durability in a YAML-friendly shape.
type Durability struct {
	Mode     string        `yaml:"mode"` // "always" | "interval" | "disabled"
	Interval time.Duration `yaml:"interval"`
}

// GatewayConfig is the top-level configuration for a running gateway
// process: networking, storage, and logging.
type GatewayConfig struct {
	LogDirectory string         `yaml:"log_directory"`
	BindAddress  string         `yaml:"bind_address"`
	AsyncRuntime AsyncRuntime   `yaml:"async_runtime"`
	Storage      StorageBackend `yaml:"storage"`
	Durability   Durability     `yaml:"durability"`
	HTTPAddr     string         `yaml:"http_addr"`

	// AcceptorCompID is this gateway's own SenderCompID when acting as the
	// acceptor side of an inbound Logon; ListenAndAccept stamps it into
	// accepted sessions before any per-session config exists for them.
	AcceptorCompID        string `yaml:"acceptor_comp_id"`
	AcceptorHeartbeatSecs uint32 `yaml:"acceptor_heartbeat_secs"`

	// Counterparties lists sessions this gateway dials as an initiator at
	// startup. A process can be the initiator for some sessions and the
	// acceptor for others.
	Counterparties []SessionConfig `yaml:"counterparties"`
}

func defaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		LogDirectory:          "./fixgo_logs/",
		BindAddress:           "0.0.0.0:4050",
		AsyncRuntime:          MultiThread,
		AcceptorCompID:        "FIXGO",
		AcceptorHeartbeatSecs: 30,
		Storage: StorageBackend{
			Kind:    StorageFile,
			BaseDir: "data/journal",
		},
		Durability: Durability{Mode: "interval", Interval: 500 * time.Millisecond},
		HTTPAddr:   "0.0.0.0:8080",
	}
}

// Load reads a YAML gateway config from path, applying defaults for any
// field the file omits.
func Load(path string) (*GatewayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := defaultGatewayConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that would leave the gateway unable to
// start, rather than failing confusingly deep inside gateway construction.
func (c *GatewayConfig) Validate() error {
	if c.BindAddress == "" {
		return fmt.Errorf("config: bind_address must not be empty")
	}
	switch c.Storage.Kind {
	case StorageFile:
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("config: storage.base_dir required for file backend")
		}
	case StorageAeron:
		if c.Storage.ArchiveChannel == "" {
			return fmt.Errorf("config: storage.archive_channel required for aeron backend")
		}
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Kind)
	}
	return nil
}

// ClientConfig configures a client-surface library instance; LibraryID lets
// a process host more than one independent client against distinct
// gateways.
type ClientConfig struct {
	LibraryID    int32        `yaml:"library_id"`
	AsyncRuntime AsyncRuntime `yaml:"async_runtime"`
}

func NewClientConfig(libraryID int32) ClientConfig {
	return ClientConfig{LibraryID: libraryID, AsyncRuntime: MultiThread}
}

// SessionConfig carries the parameters needed to dial a counterparty and
// establish a session as the initiator.
type SessionConfig struct {
	Host                  string `yaml:"host"`
	Port                  uint16 `yaml:"port"`
	SenderCompID          string `yaml:"sender_comp_id"`
	TargetCompID          string `yaml:"target_comp_id"`
	HeartbeatIntervalSecs uint32 `yaml:"heartbeat_interval_secs"`
}

// SessionConfigBuilder is the fluent, validating constructor for
// SessionConfig: required fields report a missing-field error at Build
// time rather than letting a zero-value SessionConfig reach the gateway.
type SessionConfigBuilder struct {
	host                  *string
	port                  *uint16
	senderCompID          *string
	targetCompID          *string
	heartbeatIntervalSecs *uint32
}

func NewSessionConfigBuilder() *SessionConfigBuilder { return &SessionConfigBuilder{} }

func (b *SessionConfigBuilder) Host(v string) *SessionConfigBuilder { b.host = &v; return b }
func (b *SessionConfigBuilder) Port(v uint16) *SessionConfigBuilder { b.port = &v; return b }
func (b *SessionConfigBuilder) SenderCompID(v string) *SessionConfigBuilder {
	b.senderCompID = &v
	return b
}
func (b *SessionConfigBuilder) TargetCompID(v string) *SessionConfigBuilder {
	b.targetCompID = &v
	return b
}
func (b *SessionConfigBuilder) HeartbeatIntervalSecs(v uint32) *SessionConfigBuilder {
	b.heartbeatIntervalSecs = &v
	return b
}

// Build validates that every required field was supplied, defaulting
// HeartbeatIntervalSecs to 30 when omitted.
func (b *SessionConfigBuilder) Build() (SessionConfig, error) {
	if b.host == nil {
		return SessionConfig{}, fmt.Errorf("config: session: host missing")
	}
	if b.port == nil {
		return SessionConfig{}, fmt.Errorf("config: session: port missing")
	}
	if b.senderCompID == nil {
		return SessionConfig{}, fmt.Errorf("config: session: sender_comp_id missing")
	}
	if b.targetCompID == nil {
		return SessionConfig{}, fmt.Errorf("config: session: target_comp_id missing")
	}
	hb := uint32(30)
	if b.heartbeatIntervalSecs != nil {
		hb = *b.heartbeatIntervalSecs
	}
	return SessionConfig{
		Host:                  *b.host,
		Port:                  *b.port,
		SenderCompID:          *b.senderCompID,
		TargetCompID:          *b.targetCompID,
		HeartbeatIntervalSecs: hb,
	}, nil
}

// AuthFunc validates an inbound Logon in acceptor mode. A plain function
// rather than an interface, since a single function is all implementations
// ever need. AcceptAll is the permissive default used when a gateway is
// not given one.
type AuthFunc func(senderCompID, targetCompID string) bool

func AcceptAll(string, string) bool { return true }
