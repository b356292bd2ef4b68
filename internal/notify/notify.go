// Package notify delivers operator alerts to the admin chat.
//
// Alerts flow through a buffered queue drained by one supervised worker,
// paced by a token bucket so a burst of account failures cannot trip the
// bot API's own limits. A full queue drops the alert with a log line;
// alerting must never block the core paths.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"
	"golang.org/x/time/rate"

	"flockd/internal/eventbus"
	"flockd/internal/runtime/supervisor"
	logx "flockd/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notify: disabled")
	ErrQueueFull = errors.New("notify: queue full")
)

type Config struct {
	Enabled     bool          `yaml:"enabled" json:"enabled"`
	Token       string        `yaml:"token" json:"token"`
	AdminChatID int64         `yaml:"admin_chat_id" json:"admin_chat_id"`
	QueueSize   int           `yaml:"queue_size" json:"queue_size"`
	RatePerSec  float64       `yaml:"rate_per_sec" json:"rate_per_sec"`
	SendTimeout time.Duration `yaml:"send_timeout" json:"send_timeout"`
}

func (c *Config) Normalize() {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
}

// Sender delivers one alert text. Satisfied by the telebot adapter below;
// tests substitute their own.
type Sender interface {
	Send(ctx context.Context, text string) error
}

type Service struct {
	cfg     Config
	sender  Sender
	log     logx.Logger
	limiter *rate.Limiter

	mu     sync.Mutex
	queue  chan string
	closed bool
}

func New(cfg Config, sender Sender, log logx.Logger) *Service {
	cfg.Normalize()
	return &Service{
		cfg:     cfg,
		sender:  sender,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 3),
		queue:   make(chan string, cfg.QueueSize),
	}
}

// Alert enqueues one operator message. Never blocks.
func (s *Service) Alert(text string) error {
	if !s.cfg.Enabled || s.sender == nil {
		return ErrDisabled
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrDisabled
	}
	select {
	case s.queue <- text:
		return nil
	default:
		s.log.Warn("alert dropped, queue full")
		return ErrQueueFull
	}
}

// Start registers the drain worker and the bus subscription.
func (s *Service) Start(sup *supervisor.Supervisor, bus eventbus.Bus) {
	if !s.cfg.Enabled || s.sender == nil {
		return
	}
	sup.GoRestart("notify/drain", s.run)
	if bus != nil {
		sub, unsub := bus.Subscribe(64)
		sup.GoRestart("notify/bus", func(ctx context.Context) error {
			defer unsub()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case ev, ok := <-sub:
					if !ok {
						return nil
					}
					if alertworthy(ev.Type) {
						s.Alert(formatEvent(ev))
					}
				}
			}
		})
	}
}

// alertworthy picks the bus events operators need to hear about. Routine
// flood waits and broadcast results stay in the logs.
func alertworthy(typ string) bool {
	switch typ {
	case "account.banned", "account.inactive", "retry.exhausted":
		return true
	}
	return false
}

func (s *Service) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case text := <-s.queue:
			if err := s.limiter.Wait(ctx); err != nil {
				return err
			}
			sctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
			err := s.sender.Send(sctx, text)
			cancel()
			if err != nil {
				s.log.Warn("alert send failed", logx.Err(err))
			}
		}
	}
}

// Stop rejects further alerts. Queued ones are abandoned.
func (s *Service) Stop() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func formatEvent(ev eventbus.Event) string {
	var b strings.Builder
	b.WriteString("flockd: ")
	b.WriteString(ev.Type)
	if ev.Data != nil {
		b.WriteString(" ")
		fmt.Fprintf(&b, "%+v", ev.Data)
	}
	return b.String()
}

// TelebotSender sends alerts through a Telegram bot.
type TelebotSender struct {
	bot  *tele.Bot
	chat *tele.Chat
}

func NewTelebotSender(cfg Config) (*TelebotSender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("notify: bot token is empty")
	}
	if cfg.AdminChatID == 0 {
		return nil, errors.New("notify: admin chat id is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: false,
	})
	if err != nil {
		return nil, err
	}
	return &TelebotSender{bot: b, chat: &tele.Chat{ID: cfg.AdminChatID}}, nil
}

func (t *TelebotSender) Send(ctx context.Context, text string) error {
	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(t.chat, text)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}
