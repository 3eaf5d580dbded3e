// Package notify sends a chat message when the scheduler health status
// changes.
package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"cupcake/internal/eventbus"
	"cupcake/internal/health"
	logx "cupcake/pkg/logx"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"
)

const DefaultMinPeriod = time.Minute

// Sender delivers one formatted alert.
type Sender interface {
	Send(ctx context.Context, text string) error
}

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIBaseURL overrides https://api.telegram.org (tests, local bot API).
	APIBaseURL string
}

// Telegram is a Sender backed by the Telegram Bot API.
type Telegram struct {
	bot      *tele.Bot
	chat     *tele.Chat
	threadID int
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIBaseURL,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, chat: &tele.Chat{ID: cfg.ChatID}, threadID: cfg.ThreadID}, nil
}

func (t *Telegram) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(t.chat, text, &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
		ThreadID:              t.threadID,
	})
	return err
}

// Alerter turns health.changed signals into alerts. The first observation
// after start only alerts when it is not healthy. Alerts beyond one per
// MinPeriod are dropped.
type Alerter struct {
	sender Sender
	log    logx.Logger

	mu      sync.Mutex
	limiter *rate.Limiter
	last    string
	host    string
}

func NewAlerter(s Sender, minPeriod time.Duration, host string, log logx.Logger) *Alerter {
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Alerter{sender: s, host: host, log: log.With(logx.String("comp", "notify"))}
	a.SetMinPeriod(minPeriod)
	return a
}

func (a *Alerter) SetMinPeriod(d time.Duration) {
	if d <= 0 {
		d = DefaultMinPeriod
	}
	a.mu.Lock()
	a.limiter = rate.NewLimiter(rate.Every(d), 1)
	a.mu.Unlock()
}

// Run consumes health.changed events until ctx is done.
func (a *Alerter) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(16)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if e.Type != eventbus.HealthChanged {
				continue
			}
			st, ok := e.Data.(health.Status)
			if !ok {
				continue
			}
			if err := a.Observe(ctx, st); err != nil {
				a.log.Warn("health alert failed", logx.Err(err))
			}
		}
	}
}

// Observe records st and sends an alert if it is a reportable transition.
func (a *Alerter) Observe(ctx context.Context, st health.Status) error {
	a.mu.Lock()
	prev := a.last
	a.last = st.Status
	lim := a.limiter
	a.mu.Unlock()

	if prev == st.Status {
		return nil
	}
	if prev == "" && st.Status == health.StatusOK {
		return nil
	}
	if !lim.Allow() {
		a.log.Info("health alert suppressed", logx.String("status", st.Status))
		return nil
	}
	return a.sender.Send(ctx, Format(st, a.host))
}

// Format renders st as a short HTML message.
func Format(st health.Status, host string) string {
	mood := "spoiled"
	if st.Status == health.StatusOK {
		mood = "tasty"
	}
	crond := "stopped"
	if st.SchedulerRunning {
		crond = "running"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<b>Cupcake</b> is %s.", mood)
	if host != "" {
		fmt.Fprintf(&b, "\nHost: <code>%s</code>", html.EscapeString(host))
	}
	fmt.Fprintf(&b, "\nScheduler: %s", crond)
	if !st.CheckedAt.IsZero() {
		fmt.Fprintf(&b, "\nChecked: %s", st.CheckedAt.UTC().Format(time.RFC3339))
	}
	return b.String()
}
