// Package mqtt connects the bridge to an MQTT broker: it subscribes to the
// command topic and optionally publishes execution reports.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"rtlbridge/internal/domain/command"
	"rtlbridge/internal/infra/wire"
	"rtlbridge/internal/ports"
)

const (
	defaultPort         = 1883
	defaultKeepAlive    = 60 * time.Second
	subscribeTimeout    = 10 * time.Second
	disconnectQuiesceMs = 250
)

// Config describes how to reach the broker.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	// CACert enables TLS with the given PEM bundle as the only trusted roots.
	CACert   string
	Topic    string
	ClientID string
	QoS      byte
	// StatusTopic, when set, receives one JSON report per executed request.
	StatusTopic string
	KeepAlive   time.Duration
	Logger      *slog.Logger
}

// Client is an MQTT message source and report publisher.
type Client struct {
	cfg    Config
	client pahomqtt.Client
	logger *slog.Logger

	mu      sync.RWMutex
	deliver ports.DeliverFunc
}

var (
	_ ports.MessageSource   = (*Client)(nil)
	_ ports.ReportPublisher = (*Client)(nil)
)

// New validates cfg and builds a Client. No connection is made until Start.
func New(cfg Config) (*Client, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("host must be provided")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic must be provided")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("invalid qos %d", cfg.QoS)
	}
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "rtlbridge-" + uuid.NewString()[:8]
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Client{cfg: cfg, logger: cfg.Logger}

	opts, err := c.clientOptions()
	if err != nil {
		return nil, err
	}
	c.client = pahomqtt.NewClient(opts)
	return c, nil
}

func (c *Client) clientOptions() (*pahomqtt.ClientOptions, error) {
	scheme := "tcp"
	opts := pahomqtt.NewClientOptions()

	if c.cfg.CACert != "" {
		tlsConfig, err := loadTLSConfig(c.cfg.CACert)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
		scheme = "ssl"
	}

	opts.AddBroker(brokerURL(scheme, c.cfg.Host, c.cfg.Port))
	opts.SetClientID(c.cfg.ClientID)
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	opts.SetKeepAlive(c.cfg.KeepAlive)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	return opts, nil
}

// Start connects in the background and subscribes to the command topic on
// every (re)connect. Messages are handed to deliver on paho's goroutines.
func (c *Client) Start(ctx context.Context, deliver ports.DeliverFunc) error {
	if deliver == nil {
		return fmt.Errorf("deliver callback must be provided")
	}
	c.mu.Lock()
	c.deliver = deliver
	c.mu.Unlock()

	c.connect()
	return nil
}

// Connect connects in the background without subscribing, for a client that
// only publishes reports.
func (c *Client) Connect(ctx context.Context) error {
	c.connect()
	return nil
}

func (c *Client) connect() {
	c.logger.Debug("MQTT client connecting", "broker", brokerURL("", c.cfg.Host, c.cfg.Port), "client_id", c.cfg.ClientID)
	token := c.client.Connect()
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			c.logger.Error("MQTT connect failed", "error", err)
		}
	}()
}

func (c *Client) onConnect(client pahomqtt.Client) {
	c.mu.RLock()
	subscribe := c.deliver != nil
	c.mu.RUnlock()
	if !subscribe {
		c.logger.Info("MQTT connected")
		return
	}

	c.logger.Info("MQTT connected", "subscribing", c.cfg.Topic)
	token := client.Subscribe(c.cfg.Topic, c.cfg.QoS, c.onMessage)
	if !token.WaitTimeout(subscribeTimeout) {
		c.logger.Error("MQTT subscribe timed out", "topic", c.cfg.Topic)
		return
	}
	if err := token.Error(); err != nil {
		c.logger.Error("MQTT subscribe failed", "topic", c.cfg.Topic, "error", err)
	}
}

func (c *Client) onConnectionLost(_ pahomqtt.Client, err error) {
	c.logger.Warn("MQTT disconnected", "error", err)
}

func (c *Client) onMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	c.mu.RLock()
	deliver := c.deliver
	c.mu.RUnlock()
	if deliver == nil {
		return
	}
	deliver(ports.Message{Payload: msg.Payload(), Topic: msg.Topic()})
}

// PublishReport publishes report to the status topic. It is a no-op when no
// status topic is configured.
func (c *Client) PublishReport(ctx context.Context, report command.Report) error {
	if c.cfg.StatusTopic == "" {
		return nil
	}
	if c.client == nil {
		return fmt.Errorf("client is not initialized")
	}

	payload, err := wire.EncodeReport(report)
	if err != nil {
		return err
	}

	token := c.client.Publish(c.cfg.StatusTopic, c.cfg.QoS, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish report: %w", ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish report: %w", err)
	}
	return nil
}

// Close disconnects from the broker.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	c.client.Disconnect(disconnectQuiesceMs)
	return nil
}

func brokerURL(scheme, host string, port int) string {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	if scheme == "" {
		return addr
	}
	return scheme + "://" + addr
}

func loadTLSConfig(caPath string) (*tls.Config, error) {
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("read ca certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", caPath)
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}
