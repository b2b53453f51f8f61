// Package endpoint wires the pkg/quic transport into runnable client and
// server roles: dialing a remote peer, accepting inbound connections on a
// shared UDP socket, and dispatching datagrams to the right Connection by
// connection ID.
package endpoint

import (
	"crypto/tls"
	"time"

	"github.com/spf13/viper"

	"github.com/shockwave/quicendpoint/pkg/quic"
)

// Config holds the tunables shared by Dial and Listen. Defaults are seeded
// with viper so they can be overridden by environment variables prefixed
// QUICDEMO_ (no config file is read), the same prefix cmd/quicdemo uses for
// its log level.
type Config struct {
	// IdleTimeout closes a connection after this long without traffic.
	IdleTimeout time.Duration

	// MigrationEnabled allows a connection to follow a client across a
	// network path change (Section 9 of the transport spec).
	MigrationEnabled bool

	// LocalCIDLen is the destination connection ID length the Server
	// assumes when parsing short headers, so it can route them without a
	// CID registry lookup first. Connections always generate 8-byte local
	// connection IDs; this value does not change that, so short-header
	// routing only matches at the default of 8.
	LocalCIDLen int

	// MaxSessionCache bounds the 0-RTT session ticket cache; 0 disables it.
	MaxSessionCache int

	TLSConfig *tls.Config
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("quicdemo")
	v.AutomaticEnv()
	v.SetDefault("idle_timeout", 30*time.Second)
	v.SetDefault("migration_enabled", true)
	v.SetDefault("local_cid_len", 8)
	v.SetDefault("max_session_cache", 256)
	return v
}

// DefaultConfig returns the baseline Config, with any QUICDEMO_* environment
// overrides already applied.
func DefaultConfig() *Config {
	v := newViper()
	return &Config{
		IdleTimeout:      v.GetDuration("idle_timeout"),
		MigrationEnabled: v.GetBool("migration_enabled"),
		LocalCIDLen:      v.GetInt("local_cid_len"),
		MaxSessionCache:  v.GetInt("max_session_cache"),
	}
}

// quicConfig translates Config into the pkg/quic.Config a Connection needs.
func (c *Config) quicConfig(isClient bool) *quic.Config {
	qc := quic.DefaultConfig(isClient)
	qc.MigrationEnabled = c.MigrationEnabled
	if c.TLSConfig != nil {
		qc.TLSConfig = c.TLSConfig
	}
	if c.MaxSessionCache > 0 {
		qc.SessionCache = quic.NewSessionCache(c.MaxSessionCache)
	} else {
		qc.SessionCache = nil
	}
	params := qc.TransportParams
	if params != nil {
		params.MaxIdleTimeout = uint64(c.IdleTimeout / time.Millisecond)
	}
	return qc
}
