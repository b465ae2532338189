package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"
	"github.com/petervdpas/goopcall/internal/util"
	"github.com/spf13/viper"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FileName is the config file created inside a peer directory.
const FileName = "goopcall.json"

// EnvPrefix prefixes environment overrides, e.g. GOOPCALL_BACKEND_URL.
const EnvPrefix = "GOOPCALL"

type Config struct {
	Identity Identity `json:"identity" mapstructure:"identity"`
	Paths    Paths    `json:"paths" mapstructure:"paths"`
	Backend  Backend  `json:"backend" mapstructure:"backend"`
	Relay    Relay    `json:"relay" mapstructure:"relay"`
	Call     Call     `json:"call" mapstructure:"call"`
	Media    Media    `json:"media" mapstructure:"media"`
	Viewer   Viewer   `json:"viewer" mapstructure:"viewer"`
	Log      Log      `json:"log" mapstructure:"log"`
}

type Identity struct {
	UserID string `json:"user_id" mapstructure:"user_id" validate:"required"`
}

type Paths struct {
	DataDir string `json:"data_dir" mapstructure:"data_dir" validate:"required"`
}

// Backend selects where call records and signaling live.
// "local" keeps both in-process (sqlite + hub), "remote" talks to a relay.
type Backend struct {
	Mode                  string `json:"mode" mapstructure:"mode" validate:"oneof=local remote"`
	URL                   string `json:"url" mapstructure:"url"`
	Token                 string `json:"token" mapstructure:"token"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds" mapstructure:"request_timeout_seconds" validate:"gte=1,lte=120"`
}

type Relay struct {
	Bind                string `json:"bind" mapstructure:"bind"`
	Port                int    `json:"port" mapstructure:"port" validate:"gte=1,lte=65535"`
	JWTSecret           string `json:"jwt_secret" mapstructure:"jwt_secret"`
	StaleRingingSeconds int    `json:"stale_ringing_seconds" mapstructure:"stale_ringing_seconds" validate:"gte=5"`
	SweepSpec           string `json:"sweep_spec" mapstructure:"sweep_spec" validate:"required"`
	MaxMessageBytes     int64  `json:"max_message_bytes" mapstructure:"max_message_bytes" validate:"gte=1024"`
}

type ICEServer struct {
	URLs       []string `json:"urls" mapstructure:"urls" validate:"required,min=1"`
	Username   string   `json:"username,omitempty" mapstructure:"username"`
	Credential string   `json:"credential,omitempty" mapstructure:"credential"`
}

type Call struct {
	ICEServers []ICEServer `json:"ice_servers" mapstructure:"ice_servers" validate:"dive"`

	// RingTimeoutSeconds bounds how long an outgoing call may stay
	// unanswered before the record is marked missed.
	RingTimeoutSeconds int `json:"ring_timeout_seconds" mapstructure:"ring_timeout_seconds" validate:"gte=1"`

	ICEDisconnectedSeconds int `json:"ice_disconnected_seconds" mapstructure:"ice_disconnected_seconds" validate:"gte=1"`
	ICEFailedSeconds       int `json:"ice_failed_seconds" mapstructure:"ice_failed_seconds" validate:"gtefield=ICEDisconnectedSeconds"`
	ICEKeepaliveSeconds    int `json:"ice_keepalive_seconds" mapstructure:"ice_keepalive_seconds" validate:"gte=1"`

	// AudioDir receives one .ogg file per call with the remote party's audio.
	// Empty keeps the audio sink running but discards the payload.
	AudioDir string `json:"audio_dir" mapstructure:"audio_dir"`
}

type Media struct {
	Source           string `json:"source" mapstructure:"source" validate:"oneof=device synthetic"`
	RetryMaxAttempts int    `json:"retry_max_attempts" mapstructure:"retry_max_attempts" validate:"gte=1,lte=10"`
	RetryBaseMillis  int    `json:"retry_base_millis" mapstructure:"retry_base_millis" validate:"gte=10"`
	VideoMaxWidth    int    `json:"video_max_width" mapstructure:"video_max_width" validate:"gte=160"`
	VideoMaxHeight   int    `json:"video_max_height" mapstructure:"video_max_height" validate:"gte=120"`
}

type Viewer struct {
	HTTPAddr       string   `json:"http_addr" mapstructure:"http_addr"`
	AllowedOrigins []string `json:"allowed_origins" mapstructure:"allowed_origins"`
}

type Log struct {
	Level  string `json:"level" mapstructure:"level" validate:"oneof=trace debug info warn error"`
	Pretty bool   `json:"pretty" mapstructure:"pretty"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			UserID: "",
		},
		Paths: Paths{
			DataDir: "data",
		},
		Backend: Backend{
			Mode:                  "local",
			RequestTimeoutSeconds: 10,
		},
		Relay: Relay{
			Bind:                "127.0.0.1",
			Port:                8790,
			StaleRingingSeconds: 90,
			SweepSpec:           "@every 30s",
			MaxMessageBytes:     1 << 20,
		},
		Call: Call{
			ICEServers: []ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
			RingTimeoutSeconds:     45,
			ICEDisconnectedSeconds: 30,
			ICEFailedSeconds:       120,
			ICEKeepaliveSeconds:    2,
		},
		Media: Media{
			Source:           "device",
			RetryMaxAttempts: 3,
			RetryBaseMillis:  250,
			VideoMaxWidth:    640,
			VideoMaxHeight:   480,
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:8791",
		},
		Log: Log{
			Level:  "info",
			Pretty: true,
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s: failed %q check", strings.ToLower(fe.Namespace()), fe.Tag())
		}
		return err
	}

	if strings.ContainsAny(c.Identity.UserID, " /\\") {
		return errors.New("identity.user_id must not contain spaces or slashes")
	}

	if c.Backend.Mode == "remote" {
		if err := validateRelayURL(c.Backend.URL); err != nil {
			return fmt.Errorf("backend.url: %w", err)
		}
	}

	if b := c.Relay.Bind; b != "" && net.ParseIP(b) == nil {
		return errors.New("relay.bind must be a valid IP address")
	}

	for i, s := range c.Call.ICEServers {
		for _, u := range s.URLs {
			if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
				return fmt.Errorf("call.ice_servers[%d]: unsupported url %q", i, u)
			}
		}
	}

	return nil
}

func validateRelayURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("required when backend.mode=remote")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	if u.Hostname() == "0.0.0.0" {
		return errors.New("host must not be 0.0.0.0")
	}
	return nil
}

// newViper builds a viper instance seeded with Default() so that every key
// is known and therefore overridable from the environment.
func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	b, err := json.Marshal(Default())
	if err != nil {
		return nil, err
	}
	var defaults map[string]any
	if err := json.Unmarshal(b, &defaults); err != nil {
		return nil, err
	}
	for k, val := range flatten("", defaults) {
		v.SetDefault(k, val)
	}
	return v, nil
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok {
			for sk, sv := range flatten(key, sub) {
				out[sk] = sv
			}
			continue
		}
		out[key] = val
	}
	return out
}

func Load(path string) (Config, error) {
	v, err := newViper(path)
	if err != nil {
		return Config{}, err
	}
	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Watch re-reads the config whenever the file changes and hands the result
// to fn. Invalid edits are reported through onErr and otherwise ignored.
func Watch(path string, fn func(Config), onErr func(error)) error {
	v, err := newViper(path)
	if err != nil {
		return err
	}
	if err := v.ReadInConfig(); err != nil {
		return err
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg := Default()
		if err := v.Unmarshal(&cfg); err != nil {
			onErr(err)
			return
		}
		if err := cfg.Validate(); err != nil {
			onErr(err)
			return
		}
		fn(cfg)
	})
	v.WatchConfig()
	return nil
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file
// for userID. Returns (cfg, createdNew, err).
func Ensure(path, userID string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	cfg.Identity.UserID = userID
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
