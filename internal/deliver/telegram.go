// Package deliver sends finished videos to a chat.
package deliver

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/wapuda/vastreel/internal/config"
	"github.com/wapuda/vastreel/internal/jobs"
	"github.com/wapuda/vastreel/internal/logx"
	"github.com/wapuda/vastreel/internal/metrics"
)

// Telegram caps captions at 1024 characters.
const maxCaption = 1024

// Notifier delivers a finished video.
type Notifier interface {
	Deliver(ctx context.Context, md jobs.AdMetadata, videoPath string) error
}

// sender is the part of *tgbotapi.BotAPI used here.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type Telegram struct {
	bot    sender
	chatID int64
}

// NewTelegram authorizes the bot token. It returns nil, nil when delivery is
// not configured.
func NewTelegram(c config.Telegram) (*Telegram, error) {
	if !c.Enabled() {
		return nil, nil
	}
	bot, err := tgbotapi.NewBotAPI(c.BotToken)
	if err != nil {
		return nil, fmt.Errorf("authorizing telegram bot: %w", err)
	}
	bot.Debug = false
	return &Telegram{bot: bot, chatID: c.ChatID}, nil
}

func (t *Telegram) Deliver(ctx context.Context, md jobs.AdMetadata, videoPath string) error {
	doc := tgbotapi.NewDocument(t.chatID, tgbotapi.FilePath(videoPath))
	doc.Caption = Caption(md)
	if _, err := t.bot.Send(doc); err != nil {
		metrics.IncreaseDeliveriesMetric("failed")
		return fmt.Errorf("sending video to chat %d: %w", t.chatID, err)
	}
	metrics.IncreaseDeliveriesMetric("sent")
	logger := logx.FromCtx(ctx)
	logger.Info().Str("component", "deliver").Int64("chat_id", t.chatID).Str("video", videoPath).Msg("video delivered")
	return nil
}

// Caption is the brand followed by the destination URL.
func Caption(md jobs.AdMetadata) string {
	dest := md.FinalResolvedURL
	if dest == "" {
		dest = md.RawClickthroughURL
	}
	c := md.BrandName
	if dest != "" {
		c += "\n" + dest
	}
	if r := []rune(c); len(r) > maxCaption {
		c = string(r[:maxCaption-1]) + "…"
	}
	return strings.TrimSpace(c)
}
