// Package broker owns everything AMQP: connection management with bounded
// startup retry, the payment_events topology, the message envelope and the
// event publisher.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ErrBrokerUnavailable wraps every connect or publish failure.
var ErrBrokerUnavailable = errors.New("message broker unavailable")

// Config controls how connections are made and retried.
type Config struct {
	URL              string
	ConnectionName   string
	Heartbeat        time.Duration
	BlockedTimeout   time.Duration
	DialTimeout      time.Duration
	StartupRetries   int
	RetryDelay       time.Duration
	DegradedCooldown time.Duration
}

// DefaultConfig returns the connection settings used by both services.
func DefaultConfig(url string) Config {
	return Config{
		URL:              url,
		Heartbeat:        600 * time.Second,
		BlockedTimeout:   300 * time.Second,
		DialTimeout:      10 * time.Second,
		StartupRetries:   5,
		RetryDelay:       5 * time.Second,
		DegradedCooldown: 30 * time.Second,
	}
}

// ChannelOpener hands out a channel together with the function that releases
// it and its connection.
type ChannelOpener interface {
	Open(ctx context.Context) (Channel, func(), error)
}

type dialFunc func(url string, cfg amqp.Config) (*amqp.Connection, error)

// Manager establishes broker connections. After startup retries are exhausted
// it is degraded: Connect fails fast until DegradedCooldown has passed, then
// lets a single attempt through.
type Manager struct {
	cfg    Config
	logger *zap.Logger
	dial   dialFunc
	now    func() time.Time

	mu            sync.Mutex
	degraded      bool
	degradedUntil time.Time
}

func NewManager(cfg Config, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: logger,
		dial:   amqp.DialConfig,
		now:    time.Now,
	}
}

// Connect makes one connection attempt.
func (m *Manager) Connect(ctx context.Context) (*amqp.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.failFast() {
		return nil, fmt.Errorf("%w: degraded, retrying after cooldown", ErrBrokerUnavailable)
	}

	conn, err := m.dialOnce()
	if err != nil {
		m.mu.Lock()
		if m.degraded {
			m.degradedUntil = m.now().Add(m.cfg.DegradedCooldown)
		}
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	if m.degraded {
		m.logger.Info("broker reachable again, leaving degraded mode")
	}
	m.degraded = false
	m.mu.Unlock()

	m.watchBlocked(conn)
	return conn, nil
}

// WaitUntilReady dials the broker up to StartupRetries times, RetryDelay
// apart. On exhaustion the manager becomes degraded and ErrBrokerUnavailable
// is returned.
func (m *Manager) WaitUntilReady(ctx context.Context) error {
	attempts := m.cfg.StartupRetries
	if attempts < 1 {
		attempts = 1
	}

	tried := 0
	attempt := func() error {
		tried++
		conn, err := m.dialOnce()
		if err != nil {
			m.logger.Info("waiting for broker",
				zap.Int("attempt", tried),
				zap.Int("retries_left", attempts-tried),
				zap.Error(err),
			)
			return err
		}
		_ = conn.Close()
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.cfg.RetryDelay), uint64(attempts-1)),
		ctx,
	)
	if err := backoff.Retry(attempt, policy); err != nil {
		m.mu.Lock()
		m.degraded = true
		m.degradedUntil = m.now().Add(m.cfg.DegradedCooldown)
		m.mu.Unlock()
		return fmt.Errorf("%w: gave up after %d attempts: %v", ErrBrokerUnavailable, tried, err)
	}

	m.mu.Lock()
	m.degraded = false
	m.mu.Unlock()
	return nil
}

// Open connects and opens a channel. The returned release func closes both
// and may be called more than once.
func (m *Manager) Open(ctx context.Context) (Channel, func(), error) {
	conn, err := m.Connect(ctx)
	if err != nil {
		return nil, func() {}, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, func() {}, fmt.Errorf("%w: open channel: %v", ErrBrokerUnavailable, err)
	}

	release := sync.OnceFunc(func() {
		_ = ch.Close()
		_ = conn.Close()
	})
	return ch, release, nil
}

// Degraded reports whether startup retries were exhausted and no connection
// has succeeded since.
func (m *Manager) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

func (m *Manager) failFast() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded && m.now().Before(m.degradedUntil)
}

func (m *Manager) dialOnce() (*amqp.Connection, error) {
	props := amqp.NewConnectionProperties()
	if m.cfg.ConnectionName != "" {
		props.SetClientConnectionName(m.cfg.ConnectionName)
	}

	conn, err := m.dial(m.cfg.URL, amqp.Config{
		Heartbeat:  m.cfg.Heartbeat,
		Locale:     "en_US",
		Dial:       amqp.DefaultDial(m.cfg.DialTimeout),
		Properties: props,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	return conn, nil
}

// watchBlocked closes conn if the broker keeps it blocked (resource alarm)
// for longer than BlockedTimeout, so callers fail instead of hanging.
func (m *Manager) watchBlocked(conn *amqp.Connection) {
	if m.cfg.BlockedTimeout <= 0 {
		return
	}
	blocked := conn.NotifyBlocked(make(chan amqp.Blocking, 1))
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	go func() {
		var timer *time.Timer
		var expired <-chan time.Time
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case b, ok := <-blocked:
				if !ok {
					return
				}
				if b.Active {
					m.logger.Warn("broker blocked connection", zap.String("reason", b.Reason))
					if timer == nil {
						timer = time.NewTimer(m.cfg.BlockedTimeout)
						expired = timer.C
					}
					continue
				}
				if timer != nil {
					timer.Stop()
					timer, expired = nil, nil
				}
			case <-expired:
				m.logger.Error("connection blocked too long, closing", zap.Duration("timeout", m.cfg.BlockedTimeout))
				_ = conn.Close()
				return
			case <-closed:
				return
			}
		}
	}()
}
