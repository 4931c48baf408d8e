package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
)

const (
	transportMQTT  = "mqtt"
	transportKafka = "kafka"

	runtimeLocal  = "local"
	runtimeDocker = "docker"

	defaultMQTTHost      = "127.0.0.1"
	defaultMQTTPort      = 1883
	defaultMQTTTopic     = "rtl-433-cmd/"
	defaultKafkaBrokers  = "kafka:9092"
	defaultKafkaTopic    = "rtl-433-cmd"
	defaultKafkaGroupID  = "rtlbridge"
	defaultDockerImage   = "hertzg/rtl_433:latest"
	defaultTimeoutGrace  = 5 * time.Second
	defaultPublishWindow = 5 * time.Second
)

type appConfig struct {
	Debug     bool   `toml:"debug"`
	Transport string `toml:"transport"`
	Runtime   string `toml:"runtime"`

	MQTT   mqttSection   `toml:"mqtt"`
	Kafka  kafkaSection  `toml:"kafka"`
	Docker dockerSection `toml:"docker"`
	Log    logSection    `toml:"log"`

	// TimeoutGrace is parsed with time.ParseDuration.
	TimeoutGrace           string `toml:"timeout_grace"`
	RecoverOnLaunchFailure bool   `toml:"recover_on_launch_failure"`
	MaxRequests            int    `toml:"max_requests"`
}

type mqttSection struct {
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	User        string `toml:"user"`
	Password    string `toml:"password"`
	CACert      string `toml:"ca_cert"`
	Topic       string `toml:"topic"`
	StatusTopic string `toml:"status_topic"`
	QoS         int    `toml:"qos"`
}

type kafkaSection struct {
	Brokers      []string `toml:"brokers"`
	Topic        string   `toml:"topic"`
	GroupID      string   `toml:"group_id"`
	ResultsTopic string   `toml:"results_topic"`
}

type dockerSection struct {
	Image    string `toml:"image"`
	SkipPull bool   `toml:"skip_pull"`
}

type logSection struct {
	Format string `toml:"format"`
	File   string `toml:"file"`
}

func defaultConfig() appConfig {
	return appConfig{
		Transport: transportMQTT,
		Runtime:   runtimeLocal,
		MQTT: mqttSection{
			Host:  defaultMQTTHost,
			Port:  defaultMQTTPort,
			Topic: defaultMQTTTopic,
		},
		Kafka: kafkaSection{
			Brokers: parseBrokerList(defaultKafkaBrokers),
			Topic:   defaultKafkaTopic,
			GroupID: defaultKafkaGroupID,
		},
		Docker:                 dockerSection{Image: defaultDockerImage},
		TimeoutGrace:           defaultTimeoutGrace.String(),
		RecoverOnLaunchFailure: true,
	}
}

// flagValues mirrors the command-line flags; only the ones explicitly set
// override the file and environment.
type flagValues struct {
	configPath string

	debug       bool
	user        string
	password    string
	host        string
	port        int
	caCert      string
	topic       string
	statusTopic string
	qos         int

	transport    string
	kafkaBrokers string
	kafkaTopic   string
	kafkaGroup   string
	resultsTopic string

	runtime      string
	dockerImage  string
	timeoutGrace time.Duration
	recoverOnLF  bool
	maxRequests  int

	logFormat string
	logFile   string
}

func bindFlags(cmd *cobra.Command, f *flagValues) {
	fs := cmd.Flags()
	fs.StringVar(&f.configPath, "config", "", "TOML configuration file")

	fs.BoolVarP(&f.debug, "debug", "d", false, "enable debug logging")
	fs.StringVarP(&f.user, "user", "u", "", "MQTT username")
	fs.StringVarP(&f.password, "password", "P", "", "MQTT password")
	fs.StringVarP(&f.host, "host", "H", defaultMQTTHost, "MQTT hostname to connect to")
	fs.IntVarP(&f.port, "port", "p", defaultMQTTPort, "MQTT port")
	fs.StringVarP(&f.caCert, "ca_cert", "c", "", "MQTT TLS CA certificate path")
	fs.StringVarP(&f.topic, "topic", "t", defaultMQTTTopic, "MQTT event topic to subscribe to")
	fs.StringVar(&f.statusTopic, "status-topic", "", "MQTT topic receiving execution reports")
	fs.IntVar(&f.qos, "qos", 0, "MQTT quality of service for subscribe and publish")

	fs.StringVar(&f.transport, "transport", transportMQTT, "message source: mqtt or kafka")
	fs.StringVar(&f.kafkaBrokers, "kafka-brokers", defaultKafkaBrokers, "comma separated Kafka brokers")
	fs.StringVar(&f.kafkaTopic, "kafka-topic", defaultKafkaTopic, "Kafka topic carrying command requests")
	fs.StringVar(&f.kafkaGroup, "kafka-group", defaultKafkaGroupID, "Kafka consumer group")
	fs.StringVar(&f.resultsTopic, "results-topic", "", "Kafka topic receiving execution reports")

	fs.StringVar(&f.runtime, "runtime", runtimeLocal, "where rtl_433 runs: local or docker")
	fs.StringVar(&f.dockerImage, "docker-image", defaultDockerImage, "image used by the docker runtime")
	fs.DurationVar(&f.timeoutGrace, "timeout-grace", defaultTimeoutGrace, "delay between SIGTERM and SIGKILL for timed out commands")
	fs.BoolVar(&f.recoverOnLF, "recover-on-launch-failure", true, "reset the device when rtl_433 cannot be started")
	fs.IntVar(&f.maxRequests, "max-requests", 0, "stop after this many requests (0 runs until interrupted)")

	fs.StringVar(&f.logFormat, "log-format", "text", "log encoding: text or json")
	fs.StringVar(&f.logFile, "log-file", "", "also write logs to this file, rotated by size")
}

// loadConfig layers defaults, the TOML file, the environment and explicitly
// set flags, in that order.
func loadConfig(cmd *cobra.Command, f *flagValues) (appConfig, error) {
	cfg := defaultConfig()

	if f.configPath != "" {
		if err := loadConfigFile(f.configPath, &cfg); err != nil {
			return cfg, err
		}
	}

	applyEnv(&cfg)
	applyFlags(cmd, f, &cfg)

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadConfigFile(path string, cfg *appConfig) error {
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return fmt.Errorf("load config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return nil
}

func applyEnv(cfg *appConfig) {
	cfg.MQTT.User = envOrDefault("MQTT_USERNAME", cfg.MQTT.User)
	cfg.MQTT.Password = envOrDefault("MQTT_PASSWORD", cfg.MQTT.Password)

	if raw := os.Getenv("KAFKA_BROKERS"); raw != "" {
		cfg.Kafka.Brokers = parseBrokerList(raw)
	}
	cfg.Kafka.Topic = envOrDefault("KAFKA_TOPIC", cfg.Kafka.Topic)
	cfg.Kafka.GroupID = envOrDefault("KAFKA_GROUP_ID", cfg.Kafka.GroupID)
	cfg.Kafka.ResultsTopic = envOrDefault("KAFKA_RESULTS_TOPIC", cfg.Kafka.ResultsTopic)
	cfg.TimeoutGrace = envOrDefault("RUNNER_TIMEOUT_GRACE", cfg.TimeoutGrace)

	if raw := os.Getenv("REQUESTS_EXPECTED"); raw != "" {
		cfg.MaxRequests = parseMaxRequests(raw)
	}
}

func applyFlags(cmd *cobra.Command, f *flagValues, cfg *appConfig) {
	changed := cmd.Flags().Changed

	if changed("debug") {
		cfg.Debug = f.debug
	}
	if changed("user") {
		cfg.MQTT.User = f.user
	}
	if changed("password") {
		cfg.MQTT.Password = f.password
	}
	if changed("host") {
		cfg.MQTT.Host = f.host
	}
	if changed("port") {
		cfg.MQTT.Port = f.port
	}
	if changed("ca_cert") {
		cfg.MQTT.CACert = f.caCert
	}
	if changed("topic") {
		cfg.MQTT.Topic = f.topic
	}
	if changed("status-topic") {
		cfg.MQTT.StatusTopic = f.statusTopic
	}
	if changed("qos") {
		cfg.MQTT.QoS = f.qos
	}
	if changed("transport") {
		cfg.Transport = f.transport
	}
	if changed("kafka-brokers") {
		cfg.Kafka.Brokers = parseBrokerList(f.kafkaBrokers)
	}
	if changed("kafka-topic") {
		cfg.Kafka.Topic = f.kafkaTopic
	}
	if changed("kafka-group") {
		cfg.Kafka.GroupID = f.kafkaGroup
	}
	if changed("results-topic") {
		cfg.Kafka.ResultsTopic = f.resultsTopic
	}
	if changed("runtime") {
		cfg.Runtime = f.runtime
	}
	if changed("docker-image") {
		cfg.Docker.Image = f.dockerImage
	}
	if changed("timeout-grace") {
		cfg.TimeoutGrace = f.timeoutGrace.String()
	}
	if changed("recover-on-launch-failure") {
		cfg.RecoverOnLaunchFailure = f.recoverOnLF
	}
	if changed("max-requests") {
		cfg.MaxRequests = f.maxRequests
	}
	if changed("log-format") {
		cfg.Log.Format = f.logFormat
	}
	if changed("log-file") {
		cfg.Log.File = f.logFile
	}
}

func (c appConfig) validate() error {
	switch c.Transport {
	case transportMQTT, transportKafka:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	switch c.Runtime {
	case runtimeLocal, runtimeDocker:
	default:
		return fmt.Errorf("unknown runtime %q", c.Runtime)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("invalid qos %d", c.MQTT.QoS)
	}
	if c.MaxRequests < 0 {
		return fmt.Errorf("max requests must not be negative")
	}
	if _, err := c.terminationGrace(); err != nil {
		return err
	}
	return nil
}

func (c appConfig) terminationGrace() (time.Duration, error) {
	d, err := time.ParseDuration(c.TimeoutGrace)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout grace %q: %w", c.TimeoutGrace, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("timeout grace must be positive, got %s", d)
	}
	return d, nil
}

// usesMQTT reports whether an MQTT connection is needed at all.
func (c appConfig) usesMQTT() bool {
	return c.Transport == transportMQTT || c.MQTT.StatusTopic != ""
}

func (c appConfig) warnMissingCredentials(logger *slog.Logger) {
	if !c.usesMQTT() {
		return
	}
	if c.MQTT.User == "" || c.MQTT.Password == "" {
		logger.Warn("User or password is not set. Check credentials if subscriptions do not return messages.")
	}
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func parseBrokerList(raw string) []string {
	fields := strings.Split(raw, ",")
	brokers := make([]string, 0, len(fields))
	for _, field := range fields {
		if trimmed := strings.TrimSpace(field); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	return brokers
}

func parseMaxRequests(raw string) int {
	if raw == "" {
		return 0
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0
	}
	return value
}
