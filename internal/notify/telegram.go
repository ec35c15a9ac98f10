// Package notify forwards broadcast events to a Telegram chat. The sink is
// optional: when no token is configured the engine runs without it, and a
// failed send never propagates back into the trading path.
package notify

import (
	"fmt"
	"math"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/stormline/weather-trader/internal/events"
	"github.com/stormline/weather-trader/pkg/types"
)

// Sender posts a message to Telegram. *tgbotapi.BotAPI satisfies it; tests
// substitute a recorder.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier subscribes to the broadcaster and renders selected events as
// Telegram messages. Category toggles decide which event types are forwarded;
// position updates are additionally throttled by the P&L alert threshold so a
// slow price drift does not flood the chat.
type Notifier struct {
	logger  *zap.Logger
	sender  Sender
	chatID  int64
	toggles types.AlertToggles

	// pnlThreshold arms a position alert once |unrealized P&L| crosses it;
	// the alert re-arms after P&L retreats below half the threshold.
	pnlThreshold float64
	pnlAlerted   map[string]bool

	sub  *events.Subscription
	done chan struct{}
}

// New connects to the Telegram API and starts forwarding events. The caller
// should skip construction entirely when the sink is disabled.
func New(logger *zap.Logger, cfg types.TelegramConfig, alerts types.AlertsConfig, bus *events.Broadcaster) (*Notifier, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token not configured")
	}
	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("connect telegram bot: %w", err)
	}
	logger.Info("telegram notifier connected",
		zap.String("username", api.Self.UserName),
		zap.Int64("chat_id", cfg.ChatID))
	return NewWithSender(logger, cfg.ChatID, alerts, bus, api), nil
}

// NewWithSender wires the notifier to an existing sender. Exposed so tests
// can observe outgoing messages without a live bot.
func NewWithSender(logger *zap.Logger, chatID int64, alerts types.AlertsConfig, bus *events.Broadcaster, sender Sender) *Notifier {
	n := &Notifier{
		logger:       logger.Named("notify"),
		sender:       sender,
		chatID:       chatID,
		toggles:      alerts.Categories,
		pnlThreshold: alerts.PnLAlertThreshold,
		pnlAlerted:   make(map[string]bool),
		sub: bus.Subscribe(
			events.ChannelAlerts,
			events.ChannelSystem,
			events.ChannelTrades,
			events.ChannelPositions,
		),
		done: make(chan struct{}),
	}
	go n.forward()
	return n
}

// Stop detaches from the broadcaster and waits for queued events to drain.
func (n *Notifier) Stop() {
	n.sub.Close()
	<-n.done
}

func (n *Notifier) forward() {
	defer close(n.done)
	for ev := range n.sub.C() {
		text := n.render(ev)
		if text == "" {
			continue
		}
		msg := tgbotapi.NewMessage(n.chatID, text)
		msg.ParseMode = tgbotapi.ModeMarkdown
		msg.DisableWebPagePreview = true
		if _, err := n.sender.Send(msg); err != nil {
			n.logger.Warn("telegram send failed",
				zap.String("type", ev.Type),
				zap.Error(err))
		}
	}
}

// render turns an event into message text, or "" when the event's category
// is disabled or below threshold.
func (n *Notifier) render(ev events.Event) string {
	switch p := ev.Data.(type) {
	case events.HaltPayload:
		if !n.toggles.Risk {
			return ""
		}
		recovery := "manual clear required"
		if p.CanAutoRecover {
			recovery = "auto-recovers at period rollover"
		}
		return fmt.Sprintf("🛑 *TRADING HALTED*\n\n%s\n_%s_", escapeMarkdown(p.Reason), recovery)

	case events.RiskAlertPayload:
		if !n.toggles.Risk {
			return ""
		}
		return fmt.Sprintf("⚠️ *Risk alert: %s*\n\nCurrent: %.2f\nLimit: %.2f",
			strings.ReplaceAll(p.AlertType, "_", " "), p.CurrentValue, p.LimitValue)

	case events.TradeExecutedPayload:
		if !n.toggles.Trade {
			return ""
		}
		return fmt.Sprintf("✅ *Trade executed*\n\n%s\nSide: %s\nSize: $%.2f @ %.3f",
			escapeMarkdown(p.Market), p.Side, p.Size, p.Price)

	case events.TradeResolvedPayload:
		if !n.toggles.Trade {
			return ""
		}
		emoji := "🟢"
		if p.PnL < 0 {
			emoji = "🔴"
		}
		return fmt.Sprintf("%s *Trade resolved: %s*\n\nP&L: $%.2f",
			emoji, strings.ToUpper(p.Result), p.PnL)

	case events.EdgeAlertPayload:
		if !n.toggles.Forecast {
			return ""
		}
		return fmt.Sprintf("🎯 *Edge detected*\n\nMarket: %s\nEdge: %.1f%%\nForecast %.1f%% vs market %.1f%%",
			escapeMarkdown(p.MarketID), p.Edge*100, p.ForecastProbability*100, p.MarketProbability*100)

	case events.SystemStatusPayload:
		if !n.toggles.System {
			return ""
		}
		return fmt.Sprintf("ℹ️ *%s*\n\n%s", escapeMarkdown(p.Status), escapeMarkdown(p.Message))

	case events.PositionPayload:
		if !n.toggles.Position || n.pnlThreshold <= 0 {
			return ""
		}
		abs := math.Abs(p.UnrealizedPnL)
		if abs < n.pnlThreshold {
			if abs < n.pnlThreshold/2 {
				delete(n.pnlAlerted, p.PositionID)
			}
			return ""
		}
		if n.pnlAlerted[p.PositionID] {
			return ""
		}
		n.pnlAlerted[p.PositionID] = true
		emoji := "📈"
		if p.UnrealizedPnL < 0 {
			emoji = "📉"
		}
		return fmt.Sprintf("%s *Position P&L swing*\n\n%s\nUnrealized: $%.2f @ %.3f",
			emoji, escapeMarkdown(p.PositionID), p.UnrealizedPnL, p.CurrentPrice)
	}
	return ""
}

// escapeMarkdown guards user-sourced strings against Telegram's Markdown
// parser. Market questions routinely contain characters it treats as syntax.
func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer(
		"_", "\\_",
		"*", "\\*",
		"[", "\\[",
		"]", "\\]",
		"`", "\\`",
	)
	return replacer.Replace(s)
}
