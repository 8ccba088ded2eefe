package followup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/slack-go/slack"

	"suppliersync/internal/domain"
)

const (
	telegramMaxMsgLen = 4000
	slackMaxMsgLen    = 4000
	discordMaxMsgLen  = 2000

	defaultWhatsAppAPIBase = "https://graph.facebook.com/v21.0"
)

// ErrNoRecipient is returned by senders that need an address the schedule
// does not carry.
var ErrNoRecipient = errors.New("follow-up has no recipient")

// Delivery is one message handed to a Sender.
type Delivery struct {
	Recipient  string
	ThreadID   string
	RequestID  string
	SupplierID string
	Message    *domain.FollowUpMessage
}

// Text is the plain-text rendering shared by chat channels.
func (d Delivery) Text() string {
	if d.Message.Subject == "" {
		return d.Message.Body
	}
	return d.Message.Subject + "\n\n" + d.Message.Body
}

// Sender delivers a follow-up over one channel.
type Sender interface {
	Send(ctx context.Context, d Delivery) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, d Delivery) error

func (f SenderFunc) Send(ctx context.Context, d Delivery) error { return f(ctx, d) }

// TelegramSender posts to a chat id or @channel through the Bot API.
type TelegramSender struct {
	bot    *tgbotapi.BotAPI
	logger *slog.Logger
}

// TelegramConfig configures the Telegram sender. APIEndpoint overrides the
// Bot API URL pattern.
type TelegramConfig struct {
	Token       string
	APIEndpoint string
	Logger      *slog.Logger
}

func NewTelegramSender(cfg TelegramConfig) (*TelegramSender, error) {
	var (
		bot *tgbotapi.BotAPI
		err error
	)
	if cfg.APIEndpoint != "" {
		bot, err = tgbotapi.NewBotAPIWithAPIEndpoint(cfg.Token, cfg.APIEndpoint)
	} else {
		bot, err = tgbotapi.NewBotAPI(cfg.Token)
	}
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("telegram sender ready", "username", bot.Self.UserName)
	return &TelegramSender{bot: bot, logger: logger}, nil
}

func (t *TelegramSender) Send(ctx context.Context, d Delivery) error {
	if d.Recipient == "" {
		return ErrNoRecipient
	}
	for _, chunk := range splitMessage(d.Text(), telegramMaxMsgLen) {
		if err := ctx.Err(); err != nil {
			return err
		}
		var msg tgbotapi.MessageConfig
		if chatID, err := strconv.ParseInt(d.Recipient, 10, 64); err == nil {
			msg = tgbotapi.NewMessage(chatID, chunk)
		} else {
			msg = tgbotapi.NewMessageToChannel(d.Recipient, chunk)
		}
		if _, err := t.bot.Send(msg); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

// SlackSender posts to a Slack channel or user id.
type SlackSender struct {
	client *slack.Client
}

// SlackConfig configures the Slack sender. APIURL must end with a slash.
type SlackConfig struct {
	BotToken string
	APIURL   string
}

func NewSlackSender(cfg SlackConfig) *SlackSender {
	var opts []slack.Option
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}
	return &SlackSender{client: slack.New(cfg.BotToken, opts...)}
}

func (s *SlackSender) Send(ctx context.Context, d Delivery) error {
	if d.Recipient == "" {
		return ErrNoRecipient
	}
	for _, chunk := range splitMessage(d.Text(), slackMaxMsgLen) {
		if _, _, err := s.client.PostMessageContext(ctx, d.Recipient, slack.MsgOptionText(chunk, false)); err != nil {
			return fmt.Errorf("slack send: %w", err)
		}
	}
	return nil
}

// DiscordSender posts to a Discord channel id over the REST API. No gateway
// connection is opened.
type DiscordSender struct {
	session *discordgo.Session
}

func NewDiscordSender(token string) (*DiscordSender, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &DiscordSender{session: session}, nil
}

func (s *DiscordSender) Send(ctx context.Context, d Delivery) error {
	if d.Recipient == "" {
		return ErrNoRecipient
	}
	for _, chunk := range splitMessage(d.Text(), discordMaxMsgLen) {
		if _, err := s.session.ChannelMessageSend(d.Recipient, chunk, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("discord send: %w", err)
		}
	}
	return nil
}

// WhatsAppConfig configures the WhatsApp Business Cloud API sender.
type WhatsAppConfig struct {
	PhoneNumberID string
	AccessToken   string
	APIBase       string
}

// WhatsAppSender sends text messages through the Cloud API.
type WhatsAppSender struct {
	cfg    WhatsAppConfig
	client *http.Client
}

func NewWhatsAppSender(cfg WhatsAppConfig) *WhatsAppSender {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultWhatsAppAPIBase
	}
	return &WhatsAppSender{cfg: cfg, client: &http.Client{Timeout: 30 * time.Second}}
}

func (w *WhatsAppSender) Send(ctx context.Context, d Delivery) error {
	if d.Recipient == "" {
		return ErrNoRecipient
	}
	url := fmt.Sprintf("%s/%s/messages", strings.TrimRight(w.cfg.APIBase, "/"), w.cfg.PhoneNumberID)
	body, err := json.Marshal(map[string]any{
		"messaging_product": "whatsapp",
		"to":                d.Recipient,
		"type":              "text",
		"text":              map[string]string{"body": d.Text()},
	})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+w.cfg.AccessToken)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("whatsapp API %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// OperatorSender hands email and phone follow-ups to the humans watching the
// thread as a message_added event.
type OperatorSender struct {
	notifier domain.Notifier
}

func NewOperatorSender(notifier domain.Notifier) *OperatorSender {
	return &OperatorSender{notifier: notifier}
}

func (o *OperatorSender) Send(ctx context.Context, d Delivery) error {
	if d.ThreadID == "" {
		return fmt.Errorf("operator hand-off for %s: no thread", d.RequestID)
	}
	to := d.Recipient
	if to == "" {
		to = "supplier " + d.SupplierID
	}
	content := fmt.Sprintf("Follow-up due by %s to %s (%s tone).\n%s",
		d.Message.Channel, to, d.Message.Tone, d.Text())
	o.notifier.MessageAdded(ctx, d.ThreadID, "system", content, "follow_up")
	return nil
}
