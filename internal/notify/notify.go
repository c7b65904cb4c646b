// Package notify sends one-way operator notifications when a poll cycle is
// abandoned. It is optional: with no token configured everything is a no-op.
package notify

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	logx "skypost/pkg/logx"
)

type Config struct {
	TelegramToken string
	ChatID        int64

	// RatePerMin caps notifications so a persistently failing cycle does
	// not flood the chat. 0 means a default of 2/min.
	RatePerMin int
}

type Notifier struct {
	bot     *tele.Bot
	chat    tele.ChatID
	limiter *rate.Limiter
	log     logx.Logger
}

// New returns nil (disabled) when no token is configured.
func New(cfg Config, log logx.Logger) (*Notifier, error) {
	token := strings.TrimSpace(cfg.TelegramToken)
	if token == "" {
		return nil, nil
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("notify: telegram token set but chat id missing")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	bot, err := tele.NewBot(tele.Settings{Token: token})
	if err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}
	perMin := cfg.RatePerMin
	if perMin <= 0 {
		perMin = 2
	}
	return &Notifier{
		bot:     bot,
		chat:    tele.ChatID(cfg.ChatID),
		limiter: rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin),
		log:     log,
	}, nil
}

// CycleFailed reports an abandoned cycle. Send errors are logged and
// dropped; notification must never affect the dispatch loop.
func (n *Notifier) CycleFailed(cycleErr error) {
	if n == nil || cycleErr == nil {
		return
	}
	if !n.limiter.Allow() {
		n.log.Debug("notification suppressed by rate cap")
		return
	}
	msg := fmt.Sprintf("skypost: cycle abandoned at %s\n%v",
		time.Now().Format(time.RFC3339), cycleErr)
	if _, err := n.bot.Send(n.chat, msg); err != nil {
		n.log.Warn("failed to send failure notification", logx.Err(err))
	}
}
