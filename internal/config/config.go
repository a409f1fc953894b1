package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. AGENTGATE_HTTP_ADDR.
const EnvPrefix = "AGENTGATE"

type HTTP struct {
	Addr         string        // e.g. :8080
	ReadTimeout  time.Duration // HTTP read timeout
	WriteTimeout time.Duration // HTTP write timeout
	IdleTimeout  time.Duration // HTTP idle timeout
}

type GRPC struct {
	Addr string // gRPC health service, e.g. :50051
}

// DB holds Postgres connection parts. An empty Host selects the file-backed stores.
type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type Data struct {
	Dir string // directory for subscriptions.json, jobs.json and the key directories
}

type Webhook struct {
	DeliveryTimeout time.Duration   // per-attempt HTTP timeout
	BackoffSchedule []time.Duration // delays between retry attempts
	DeliveryLogSize int             // most recent attempts kept per subscription
	EventHeader     string          // HTTP header carrying the event name
	SignatureHeader string          // HTTP header carrying sha256=<hex>
	DeliveryHeader  string          // HTTP header carrying the delivery id
}

type Jobs struct {
	Timeout          time.Duration // per-run HTTP timeout
	FailureThreshold int           // consecutive failures before auto-pause
	HistorySize      int           // runs kept per job
	MinInterval      time.Duration
	MaxInterval      time.Duration
}

type Identity struct {
	ManifestTimeout time.Duration // bound on manifest fetches
	ReplayWindow    time.Duration // accepted signed-request clock skew, both directions
	KeyRefresh      time.Duration // minimum time between key directory reloads
	VerifyRate      float64       // outbound manifest fetches per second
	VerifyBurst     int
	HandleHeader    string
	TimestampHeader string
	SignatureHeader string
}

// Operator configures the pre-shared operator credential. Either a static
// token, an RS256 JWT verified with JWTPublicKeyFile, or both.
type Operator struct {
	Token            string
	JWTPublicKeyFile string
	JWTIssuer        string
	JWTAudience      string
}

type NSQ struct {
	NsqdTCPAddr   string // e.g. nsqd:4150; empty disables the activity mirror
	ActivityTopic string // NSQ topic receiving every emitted event
}

// Monitor configures the activity monitor that consumes the NSQ mirror.
type Monitor struct {
	Addr         string
	NsqdHTTPAddr string // nsqd stats endpoint, e.g. nsqd:4151
	Channel      string
	PollInterval time.Duration
}

type Activity struct {
	Size int // ring buffer capacity
}

type FakeReceiver struct {
	FailFirstN      int           // Number of requests to fail initially
	Secret          string        // Subscription secret for signature verification
	ResponseDelayMS int           // Simulated response delay in milliseconds
	Addr            string        // Server listen address
	ReadTimeout     time.Duration // HTTP read timeout
	WriteTimeout    time.Duration // HTTP write timeout
	IdleTimeout     time.Duration // HTTP idle timeout
}

type Config struct {
	AppName      string
	HTTP         HTTP
	GRPC         GRPC
	DB           DB
	Data         Data
	Webhook      Webhook
	Jobs         Jobs
	Identity     Identity
	Operator     Operator
	NSQ          NSQ
	Activity     Activity
	FakeReceiver FakeReceiver
	Monitor      Monitor
}

const defaultBackoff = "10s,60s,300s"

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_name", "agentgate")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)

	v.SetDefault("grpc.addr", ":50051")

	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.pass", "postgres")
	v.SetDefault("db.host", "")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.name", "agentgate")

	v.SetDefault("data.dir", "./data")

	v.SetDefault("webhook.delivery_timeout", 5*time.Second)
	v.SetDefault("webhook.backoff_schedule", defaultBackoff)
	v.SetDefault("webhook.delivery_log_size", 50)
	v.SetDefault("webhook.event_header", "X-Webhook-Event")
	v.SetDefault("webhook.signature_header", "X-Webhook-Signature")
	v.SetDefault("webhook.delivery_header", "X-Webhook-Delivery")

	v.SetDefault("jobs.timeout", 15*time.Second)
	v.SetDefault("jobs.failure_threshold", 5)
	v.SetDefault("jobs.history_size", 20)
	v.SetDefault("jobs.min_interval", 60*time.Second)
	v.SetDefault("jobs.max_interval", 86400*time.Second)

	v.SetDefault("identity.manifest_timeout", 8*time.Second)
	v.SetDefault("identity.replay_window", 5*time.Minute)
	v.SetDefault("identity.key_refresh", 60*time.Second)
	v.SetDefault("identity.verify_rate", 1.0)
	v.SetDefault("identity.verify_burst", 5)
	v.SetDefault("identity.handle_header", "X-Agent-Handle")
	v.SetDefault("identity.timestamp_header", "X-Agent-Timestamp")
	v.SetDefault("identity.signature_header", "X-Agent-Signature")

	v.SetDefault("operator.token", "")
	v.SetDefault("operator.jwt_public_key_file", "")
	v.SetDefault("operator.jwt_issuer", "agentgate-operator")
	v.SetDefault("operator.jwt_audience", "agentgate")

	v.SetDefault("nsq.nsqd_tcp_addr", "")
	v.SetDefault("nsq.activity_topic", "agent_events")

	v.SetDefault("activity.size", 200)

	v.SetDefault("monitor.addr", ":8084")
	v.SetDefault("monitor.nsqd_http_addr", "127.0.0.1:4151")
	v.SetDefault("monitor.channel", "activity-monitor")
	v.SetDefault("monitor.poll_interval", 15*time.Second)

	v.SetDefault("fake_receiver.fail_first_n", 0)
	v.SetDefault("fake_receiver.secret", "")
	v.SetDefault("fake_receiver.response_delay_ms", 0)
	v.SetDefault("fake_receiver.addr", ":8081")
	v.SetDefault("fake_receiver.read_timeout", 10*time.Second)
	v.SetDefault("fake_receiver.write_timeout", 10*time.Second)
	v.SetDefault("fake_receiver.idle_timeout", 60*time.Second)
}

// New returns a viper instance with defaults and AGENTGATE_* environment
// overrides registered. Callers may bind flags into it before calling Decode.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in increasing precedence. path may be empty.
func Load(path string) (Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return Decode(v), nil
}

// Decode reads a Config out of v.
func Decode(v *viper.Viper) Config {
	return Config{
		AppName: v.GetString("app_name"),
		HTTP: HTTP{
			Addr:         v.GetString("http.addr"),
			ReadTimeout:  v.GetDuration("http.read_timeout"),
			WriteTimeout: v.GetDuration("http.write_timeout"),
			IdleTimeout:  v.GetDuration("http.idle_timeout"),
		},
		GRPC: GRPC{
			Addr: v.GetString("grpc.addr"),
		},
		DB: DB{
			User: v.GetString("db.user"),
			Pass: v.GetString("db.pass"),
			Host: v.GetString("db.host"),
			Port: v.GetString("db.port"),
			Name: v.GetString("db.name"),
		},
		Data: Data{
			Dir: v.GetString("data.dir"),
		},
		Webhook: Webhook{
			DeliveryTimeout: v.GetDuration("webhook.delivery_timeout"),
			BackoffSchedule: parseBackoffSchedule(v.GetString("webhook.backoff_schedule")),
			DeliveryLogSize: v.GetInt("webhook.delivery_log_size"),
			EventHeader:     v.GetString("webhook.event_header"),
			SignatureHeader: v.GetString("webhook.signature_header"),
			DeliveryHeader:  v.GetString("webhook.delivery_header"),
		},
		Jobs: Jobs{
			Timeout:          v.GetDuration("jobs.timeout"),
			FailureThreshold: v.GetInt("jobs.failure_threshold"),
			HistorySize:      v.GetInt("jobs.history_size"),
			MinInterval:      v.GetDuration("jobs.min_interval"),
			MaxInterval:      v.GetDuration("jobs.max_interval"),
		},
		Identity: Identity{
			ManifestTimeout: v.GetDuration("identity.manifest_timeout"),
			ReplayWindow:    v.GetDuration("identity.replay_window"),
			KeyRefresh:      v.GetDuration("identity.key_refresh"),
			VerifyRate:      v.GetFloat64("identity.verify_rate"),
			VerifyBurst:     v.GetInt("identity.verify_burst"),
			HandleHeader:    v.GetString("identity.handle_header"),
			TimestampHeader: v.GetString("identity.timestamp_header"),
			SignatureHeader: v.GetString("identity.signature_header"),
		},
		Operator: Operator{
			Token:            v.GetString("operator.token"),
			JWTPublicKeyFile: v.GetString("operator.jwt_public_key_file"),
			JWTIssuer:        v.GetString("operator.jwt_issuer"),
			JWTAudience:      v.GetString("operator.jwt_audience"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:   v.GetString("nsq.nsqd_tcp_addr"),
			ActivityTopic: v.GetString("nsq.activity_topic"),
		},
		Activity: Activity{
			Size: v.GetInt("activity.size"),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:      v.GetInt("fake_receiver.fail_first_n"),
			Secret:          v.GetString("fake_receiver.secret"),
			ResponseDelayMS: v.GetInt("fake_receiver.response_delay_ms"),
			Addr:            v.GetString("fake_receiver.addr"),
			ReadTimeout:     v.GetDuration("fake_receiver.read_timeout"),
			WriteTimeout:    v.GetDuration("fake_receiver.write_timeout"),
			IdleTimeout:     v.GetDuration("fake_receiver.idle_timeout"),
		},
		Monitor: Monitor{
			Addr:         v.GetString("monitor.addr"),
			NsqdHTTPAddr: v.GetString("monitor.nsqd_http_addr"),
			Channel:      v.GetString("monitor.channel"),
			PollInterval: v.GetDuration("monitor.poll_interval"),
		},
	}
}

func defaultBackoffSchedule() []time.Duration {
	return []time.Duration{10 * time.Second, 60 * time.Second, 300 * time.Second}
}

func parseBackoffSchedule(schedule string) []time.Duration {
	if schedule == "" {
		return defaultBackoffSchedule()
	}

	parts := strings.Split(schedule, ",")
	durations := make([]time.Duration, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if d, err := time.ParseDuration(part); err == nil && d > 0 {
			durations = append(durations, d)
		}
	}

	if len(durations) == 0 {
		// Fallback to default if parsing failed
		return defaultBackoffSchedule()
	}

	return durations
}

// UsePostgres reports whether a database host is configured.
func (c Config) UsePostgres() bool {
	return c.DB.Host != ""
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
