package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-i2p/go-overlay/lib/util"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var log = logger.GetGoI2PLogger()

// BaseDirName is the directory under the user's home holding config.yaml.
const BaseDirName = ".go-overlay"

const prefix = "stream."

// Viper keys, without the "stream." prefix.
const (
	KeyCanRelay          = "can_relay"
	KeySeekTimeout       = "seek_timeout"
	KeyRouteSeekInterval = "route_seek_interval"
	KeyDefaultRedundancy = "default_redundancy"
	KeyMaxFrameSize      = "max_frame_size"
	KeySendQueueSize     = "send_queue_size"
	KeySeenTTL           = "seen_cache.ttl"
	KeySeenSize          = "seen_cache.size"
	KeyMinConnections    = "connection_manager.min_connections"
	KeyPrunerEnabled     = "connection_manager.pruner.enabled"
	KeyPrunerBandwidth   = "connection_manager.pruner.bandwidth"
	KeyPrunerMaxBuffer   = "connection_manager.pruner.max_buffer"
	KeyPrunerInterval    = "connection_manager.pruner.interval"
	KeyPrunerCooldown    = "connection_manager.pruner.cooldown"
	KeyDialerEnabled     = "connection_manager.dialer.enabled"
	KeyDialerRetryDelay  = "connection_manager.dialer.retry_delay"
	KeyDialerRate        = "connection_manager.dialer.rate"
	KeyDialerBurst       = "connection_manager.dialer.burst"
)

// Key returns the full viper key for one of the Key constants.
func Key(k string) string { return prefix + k }

// SetDefaults registers DefaultStreamConfig on v.
func SetDefaults(v *viper.Viper) {
	for k, val := range flatten(DefaultStreamConfig(), false) {
		v.SetDefault(Key(k), val)
	}
}

// NewStreamConfigFromViper builds a StreamConfig from v. Keys that are unset
// and have no registered default read as zero values.
func NewStreamConfigFromViper(v *viper.Viper) StreamConfig {
	return StreamConfig{
		CanRelay:          v.GetBool(Key(KeyCanRelay)),
		SeekTimeout:       v.GetDuration(Key(KeySeekTimeout)),
		RouteSeekInterval: v.GetDuration(Key(KeyRouteSeekInterval)),
		DefaultRedundancy: v.GetInt(Key(KeyDefaultRedundancy)),
		MaxFrameSize:      v.GetInt(Key(KeyMaxFrameSize)),
		SendQueueSize:     v.GetInt(Key(KeySendQueueSize)),
		SeenCache: SeenCacheConfig{
			TTL:  v.GetDuration(Key(KeySeenTTL)),
			Size: v.GetInt(Key(KeySeenSize)),
		},
		ConnectionManager: ConnectionManagerConfig{
			MinConnections: v.GetInt(Key(KeyMinConnections)),
			Pruner: PrunerConfig{
				Enabled:   v.GetBool(Key(KeyPrunerEnabled)),
				Bandwidth: v.GetUint64(Key(KeyPrunerBandwidth)),
				MaxBuffer: v.GetInt64(Key(KeyPrunerMaxBuffer)),
				Interval:  v.GetDuration(Key(KeyPrunerInterval)),
				Cooldown:  v.GetDuration(Key(KeyPrunerCooldown)),
			},
			Dialer: DialerConfig{
				Enabled:    v.GetBool(Key(KeyDialerEnabled)),
				RetryDelay: v.GetDuration(Key(KeyDialerRetryDelay)),
				Rate:       v.GetFloat64(Key(KeyDialerRate)),
				Burst:      v.GetInt(Key(KeyDialerBurst)),
			},
		},
	}
}

// InitConfig registers defaults on v and reads the config file at path. An
// empty path reads config.yaml from the default directory, creating it from
// the defaults when it does not exist. An explicit path must exist.
func InitConfig(v *viper.Viper, path string) error {
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(DefaultDirPath())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	err := v.ReadInConfig()
	if err == nil {
		log.WithFields(logger.Fields{
			"at":   "InitConfig",
			"file": v.ConfigFileUsed(),
		}).Debug("using config file")
		return nil
	}

	var notFound viper.ConfigFileNotFoundError
	if path == "" && errors.As(err, &notFound) {
		file := filepath.Join(DefaultDirPath(), "config.yaml")
		if werr := WriteDefaultConfig(file); werr != nil {
			return werr
		}
		log.WithFields(logger.Fields{
			"at":     "InitConfig",
			"reason": "created_default",
			"file":   file,
		}).Debug("created default configuration")
		return nil
	}
	return oops.Wrapf(err, "read config %q", path)
}

// WriteDefaultConfig writes the defaults as yaml to path, creating parent
// directories.
func WriteDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), StandardDirPermissions); err != nil {
		return oops.Wrapf(err, "create config directory")
	}
	out, err := MarshalYAML(DefaultStreamConfig())
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, out, StandardFilePermissions); err != nil {
		return oops.Wrapf(err, "write config %q", path)
	}
	return nil
}

// MarshalYAML renders cfg in the layout InitConfig reads.
func MarshalYAML(cfg StreamConfig) ([]byte, error) {
	doc := map[string]any{}
	for k, val := range flatten(cfg, true) {
		insert(doc, strings.Split(prefix+k, "."), val)
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, oops.Wrapf(err, "marshal config")
	}
	return out, nil
}

// DefaultDirPath returns $HOME/.go-overlay.
func DefaultDirPath() string {
	return filepath.Join(util.UserHome(), BaseDirName)
}

// flatten maps every key to its value. Durations become strings when
// forText is set so the yaml stays readable.
func flatten(cfg StreamConfig, forText bool) map[string]any {
	d := func(v time.Duration) any {
		if forText {
			return v.String()
		}
		return v
	}
	cm := cfg.ConnectionManager
	return map[string]any{
		KeyCanRelay:          cfg.CanRelay,
		KeySeekTimeout:       d(cfg.SeekTimeout),
		KeyRouteSeekInterval: d(cfg.RouteSeekInterval),
		KeyDefaultRedundancy: cfg.DefaultRedundancy,
		KeyMaxFrameSize:      cfg.MaxFrameSize,
		KeySendQueueSize:     cfg.SendQueueSize,
		KeySeenTTL:           d(cfg.SeenCache.TTL),
		KeySeenSize:          cfg.SeenCache.Size,
		KeyMinConnections:    cm.MinConnections,
		KeyPrunerEnabled:     cm.Pruner.Enabled,
		KeyPrunerBandwidth:   cm.Pruner.Bandwidth,
		KeyPrunerMaxBuffer:   cm.Pruner.MaxBuffer,
		KeyPrunerInterval:    d(cm.Pruner.Interval),
		KeyPrunerCooldown:    d(cm.Pruner.Cooldown),
		KeyDialerEnabled:     cm.Dialer.Enabled,
		KeyDialerRetryDelay:  d(cm.Dialer.RetryDelay),
		KeyDialerRate:        cm.Dialer.Rate,
		KeyDialerBurst:       cm.Dialer.Burst,
	}
}

func insert(doc map[string]any, path []string, val any) {
	for _, p := range path[:len(path)-1] {
		next, ok := doc[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			doc[p] = next
		}
		doc = next
	}
	doc[path[len(path)-1]] = val
}
