package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		// URL is the XMPP websocket endpoint, e.g. wss://meet.example.com/xmpp-websocket
		URL       string `yaml:"url"`
		Domain    string `yaml:"domain"`
		MUCDomain string `yaml:"muc_domain"`
		Room      string `yaml:"room"`
		// FocusJID is the conference focus component. Empty disables the invite.
		FocusJID       string        `yaml:"focus_jid"`
		ConnectTimeout time.Duration `yaml:"connect_timeout"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
		PingInterval   time.Duration `yaml:"ping_interval"`
	} `yaml:"server"`

	// Conference holds the ordered properties sent to the focus.
	Conference struct {
		Properties yaml.MapSlice `yaml:"properties"`
	} `yaml:"conference"`

	Fleet struct {
		Users            int           `yaml:"users"`
		NicknamePrefix   string        `yaml:"nickname_prefix"`
		Duration         time.Duration `yaml:"duration"`
		RampRate         float64       `yaml:"ramp_rate"`
		StartConcurrency int           `yaml:"start_concurrency"`
		StartRetries     int           `yaml:"start_retries"`
		RetryBackoff     time.Duration `yaml:"retry_backoff"`
		BreakerThreshold int           `yaml:"breaker_threshold"`
		BreakerTimeout   time.Duration `yaml:"breaker_timeout"`
		StopTimeout      time.Duration `yaml:"stop_timeout"`
	} `yaml:"fleet"`

	Session struct {
		AcceptTimeout      time.Duration `yaml:"accept_timeout"`
		MaxNicknameRetries int           `yaml:"max_nickname_retries"`
		SendTerminate      bool          `yaml:"send_terminate"`
		PreferredAudio     string        `yaml:"preferred_audio"`
		PreferredVideo     string        `yaml:"preferred_video"`
		ReplayJoinTimeout  time.Duration `yaml:"replay_join_timeout"`
	} `yaml:"session"`

	Media struct {
		// Source selects the capture devices: replay (rtpdump captures), file
		// (IVF video and Ogg audio) or synthetic
		Source           string `yaml:"source"`
		AudioFile        string `yaml:"audio_file"`
		VideoFile        string `yaml:"video_file"`
		VideoFPS         int    `yaml:"video_fps"`
		SyntheticBitrate int    `yaml:"synthetic_bitrate"`
	} `yaml:"media"`

	Replay struct {
		AudioDump string `yaml:"audio_dump"`
		VideoDump string `yaml:"video_dump"`
		// AudioPayloadNames and VideoPayloadNames name the payload types found
		// in the captures so they can be remapped to the negotiated ones.
		AudioPayloadNames    map[uint8]string `yaml:"audio_payload_names"`
		VideoPayloadNames    map[uint8]string `yaml:"video_payload_names"`
		KeyframePayloadTypes []uint8          `yaml:"keyframe_payload_types"`
		KeyframeCodec        string           `yaml:"keyframe_codec"`
		KeyframeMinDistance  int              `yaml:"keyframe_min_distance"`
		RestartMinInterval   time.Duration    `yaml:"restart_min_interval"`
		RestartOnFIR         bool             `yaml:"restart_on_fir"`
		RestartOnPLI         bool             `yaml:"restart_on_pli"`
		RestartOnNACK        bool             `yaml:"restart_on_nack"`
		QueueSize            int              `yaml:"queue_size"`
		EnqueueTimeout       time.Duration    `yaml:"enqueue_timeout"`
		ReopenBackoff        time.Duration    `yaml:"reopen_backoff"`
	} `yaml:"replay"`

	ICE struct {
		STUNServers []string `yaml:"stun_servers"`
		PortRange   struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		NetworkTypes []string `yaml:"network_types"`
	} `yaml:"ice"`

	Monitoring struct {
		Enabled       bool          `yaml:"enabled"`
		Address       string        `yaml:"address"`
		StatsInterval time.Duration `yaml:"stats_interval"`
		StatsFile     string        `yaml:"stats_file"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool          `yaml:"enabled"`
		Address  string        `yaml:"address"`
		Password string        `yaml:"password"`
		DB       int           `yaml:"db"`
		GateTTL  time.Duration `yaml:"gate_ttl"`
		// ResetGate clears the room's invite marker before the fleet starts.
		ResetGate bool `yaml:"reset_gate"`
	} `yaml:"redis"`

	Auth struct {
		// Mode is one of anonymous, plain, jwt
		Mode      string        `yaml:"mode"`
		Username  string        `yaml:"username"`
		Password  string        `yaml:"password"`
		AppID     string        `yaml:"app_id"`
		AppSecret string        `yaml:"app_secret"`
		TokenTTL  time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`

	Tracing struct {
		Enabled        bool    `yaml:"enabled"`
		JaegerEndpoint string  `yaml:"jaeger_endpoint"`
		SampleRate     float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.URL == "" {
		return fmt.Errorf("server.url must not be empty")
	}
	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return fmt.Errorf("server.url is malformed: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("server.url scheme must be ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("server.url must include a host")
	}
	if c.Server.Domain == "" {
		return fmt.Errorf("server.domain must not be empty")
	}
	if c.Server.MUCDomain == "" {
		return fmt.Errorf("server.muc_domain must not be empty")
	}
	if c.Server.Room == "" {
		return fmt.Errorf("server.room must not be empty")
	}
	if strings.ContainsAny(c.Server.FocusJID, " @/") {
		return fmt.Errorf("server.focus_jid must be a bare component domain")
	}
	if c.Server.ConnectTimeout <= 0 {
		return fmt.Errorf("server.connect_timeout must be > 0")
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("server.request_timeout must be > 0")
	}

	// Fleet
	if c.Fleet.Users <= 0 {
		return fmt.Errorf("fleet.users must be > 0")
	}
	if c.Fleet.NicknamePrefix == "" {
		return fmt.Errorf("fleet.nickname_prefix must not be empty")
	}
	if c.Fleet.Duration < 0 {
		return fmt.Errorf("fleet.duration must be >= 0")
	}
	if c.Fleet.RampRate < 0 {
		return fmt.Errorf("fleet.ramp_rate must be >= 0")
	}
	if c.Fleet.StartConcurrency <= 0 {
		return fmt.Errorf("fleet.start_concurrency must be > 0")
	}
	if c.Fleet.StartRetries < 0 {
		return fmt.Errorf("fleet.start_retries must be >= 0")
	}
	if c.Fleet.BreakerThreshold < 0 {
		return fmt.Errorf("fleet.breaker_threshold must be >= 0")
	}
	if c.Fleet.StopTimeout <= 0 {
		return fmt.Errorf("fleet.stop_timeout must be > 0")
	}

	// Session
	if c.Session.AcceptTimeout <= 0 {
		return fmt.Errorf("session.accept_timeout must be > 0")
	}
	if c.Session.MaxNicknameRetries < 0 {
		return fmt.Errorf("session.max_nickname_retries must be >= 0")
	}

	// Media
	switch c.Media.Source {
	case "replay", "file", "synthetic":
	default:
		return fmt.Errorf("media.source must be one of replay, file, synthetic")
	}
	if c.Media.VideoFPS <= 0 {
		return fmt.Errorf("media.video_fps must be > 0")
	}

	// Replay
	if c.Replay.KeyframeMinDistance < 0 {
		return fmt.Errorf("replay.keyframe_min_distance must be >= 0")
	}
	if c.Replay.QueueSize <= 0 {
		return fmt.Errorf("replay.queue_size must be > 0")
	}
	if c.Replay.EnqueueTimeout <= 0 {
		return fmt.Errorf("replay.enqueue_timeout must be > 0")
	}
	if c.Media.Source == "replay" && c.Replay.AudioDump == "" && c.Replay.VideoDump == "" {
		return fmt.Errorf("replay.audio_dump or replay.video_dump must be set when media.source=replay")
	}
	switch c.Replay.KeyframeCodec {
	case "vp8", "h264":
	default:
		return fmt.Errorf("replay.keyframe_codec must be vp8 or h264")
	}

	// ICE
	if c.ICE.PortRange.Min > 0 || c.ICE.PortRange.Max > 0 {
		if c.ICE.PortRange.Min == 0 || c.ICE.PortRange.Max == 0 {
			return fmt.Errorf("ice.port_range.min and max must both be set when one is set")
		}
		if c.ICE.PortRange.Min >= c.ICE.PortRange.Max {
			return fmt.Errorf("ice.port_range.min must be < max")
		}
	}

	// Monitoring
	if c.Monitoring.Enabled && c.Monitoring.Address == "" {
		return fmt.Errorf("monitoring.address must not be empty when monitoring.enabled=true")
	}
	if c.Monitoring.StatsInterval <= 0 {
		return fmt.Errorf("monitoring.stats_interval must be > 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.GateTTL <= 0 {
			return fmt.Errorf("redis.gate_ttl must be > 0 when redis.enabled=true")
		}
	} else if c.Redis.ResetGate {
		return fmt.Errorf("redis.reset_gate requires redis.enabled=true")
	}

	// Auth
	switch c.Auth.Mode {
	case "anonymous":
	case "plain":
		if c.Auth.Username == "" {
			return fmt.Errorf("auth.username must not be empty when auth.mode=plain")
		}
	case "jwt":
		if c.Auth.AppID == "" || c.Auth.AppSecret == "" {
			return fmt.Errorf("auth.app_id and auth.app_secret must be set when auth.mode=jwt")
		}
		if c.Auth.TokenTTL <= 0 {
			return fmt.Errorf("auth.token_ttl must be > 0 when auth.mode=jwt")
		}
	default:
		return fmt.Errorf("auth.mode must be one of anonymous, plain, jwt")
	}

	// Tracing
	if c.Tracing.Enabled && c.Tracing.JaegerEndpoint == "" {
		return fmt.Errorf("tracing.jaeger_endpoint must not be empty when tracing.enabled=true")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
// The result is not validated so that CLI flags can still fill in required
// fields; callers run Validate after the last override.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// If file does not exist, fall back to defaults
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
			}
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.ConnectTimeout = 10 * time.Second
	cfg.Server.RequestTimeout = 10 * time.Second
	cfg.Server.PingInterval = 30 * time.Second

	cfg.Conference.Properties = yaml.MapSlice{
		{Key: "channelLastN", Value: "-1"},
		{Key: "startAudioMuted", Value: "false"},
		{Key: "startVideoMuted", Value: "false"},
	}

	cfg.Fleet.Users = 1
	cfg.Fleet.NicknamePrefix = "hammer"
	cfg.Fleet.RampRate = 5
	cfg.Fleet.StartConcurrency = 16
	cfg.Fleet.StartRetries = 0
	cfg.Fleet.RetryBackoff = time.Second
	cfg.Fleet.BreakerThreshold = 0
	cfg.Fleet.BreakerTimeout = 30 * time.Second
	cfg.Fleet.StopTimeout = 10 * time.Second

	cfg.Session.AcceptTimeout = 30 * time.Second
	cfg.Session.MaxNicknameRetries = 0 // unbounded
	cfg.Session.SendTerminate = false
	cfg.Session.PreferredAudio = "opus"
	cfg.Session.PreferredVideo = "VP8"
	cfg.Session.ReplayJoinTimeout = 5 * time.Second

	cfg.Media.Source = "synthetic"
	cfg.Media.VideoFPS = 30
	cfg.Media.SyntheticBitrate = 500_000

	cfg.Replay.AudioPayloadNames = map[uint8]string{111: "opus"}
	cfg.Replay.VideoPayloadNames = map[uint8]string{100: "vp8"}
	cfg.Replay.KeyframePayloadTypes = []uint8{100}
	cfg.Replay.KeyframeCodec = "vp8"
	cfg.Replay.KeyframeMinDistance = 10
	cfg.Replay.RestartMinInterval = time.Second
	cfg.Replay.RestartOnFIR = true
	cfg.Replay.RestartOnPLI = true
	cfg.Replay.RestartOnNACK = true
	cfg.Replay.QueueSize = 256
	cfg.Replay.EnqueueTimeout = 500 * time.Millisecond
	cfg.Replay.ReopenBackoff = time.Second

	cfg.ICE.NetworkTypes = []string{"udp4"}

	cfg.Monitoring.Enabled = false
	cfg.Monitoring.Address = ":9090"
	cfg.Monitoring.StatsInterval = 5 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "console"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.GateTTL = 10 * time.Minute

	cfg.Auth.Mode = "anonymous"
	cfg.Auth.TokenTTL = time.Hour

	cfg.Tracing.SampleRate = 1.0

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("HAMMER_SERVER_URL"); v != "" {
		c.Server.URL = v
	}
	if v := os.Getenv("HAMMER_DOMAIN"); v != "" {
		c.Server.Domain = v
	}
	if v := os.Getenv("HAMMER_ROOM"); v != "" {
		c.Server.Room = v
	}
	if v := os.Getenv("HAMMER_USERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Fleet.Users = n
		}
	}
	if v := os.Getenv("HAMMER_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("HAMMER_AUTH_PASSWORD"); v != "" {
		c.Auth.Password = v
	}
	if v := os.Getenv("HAMMER_APP_SECRET"); v != "" {
		c.Auth.AppSecret = v
	}
	if v := os.Getenv("HAMMER_REDIS_ADDRESS"); v != "" {
		c.Redis.Address = v
	}
}

// ConferenceProperties flattens the ordered property list into string pairs.
func (c *Config) ConferenceProperties() [][2]string {
	out := make([][2]string, 0, len(c.Conference.Properties))
	for _, item := range c.Conference.Properties {
		out = append(out, [2]string{fmt.Sprint(item.Key), fmt.Sprint(item.Value)})
	}
	return out
}
