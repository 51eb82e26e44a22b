package approval

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

const defaultTelegramAPI = "https://api.telegram.org"

// TelegramConfig configures TelegramChannel.
type TelegramConfig struct {
	Token   string
	ChatID  string
	BaseURL string        // defaults to the public Bot API
	Rate    float64       // messages per second, 1 when unset
	Timeout time.Duration // per request, 10s when unset
}

// TelegramChannel posts sell requests to an approver chat through the Bot API
// sendMessage method.
type TelegramChannel struct {
	http    *resty.Client
	token   string
	chatID  string
	limiter *rate.Limiter
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// NewTelegramChannel builds a channel. It fails when the token or chat is missing.
func NewTelegramChannel(cfg TelegramConfig) (*TelegramChannel, error) {
	if cfg.Token == "" || cfg.ChatID == "" {
		return nil, fmt.Errorf("telegram: token and chat id are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultTelegramAPI
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &TelegramChannel{
		http: resty.New().
			SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
			SetTimeout(cfg.Timeout).
			SetRetryCount(0),
		token:   cfg.Token,
		chatID:  cfg.ChatID,
		limiter: rate.NewLimiter(rate.Limit(cfg.Rate), 1),
	}, nil
}

// Notify sends one message. It waits for the rate limiter, bounded by ctx.
func (c *TelegramChannel) Notify(ctx context.Context, s Summary) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram: rate limit: %w", err)
	}

	var out sendMessageResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(sendMessageRequest{ChatID: c.chatID, Text: FormatMessage(s), ParseMode: "HTML"}).
		SetResult(&out).
		SetError(&out).
		Post("/bot" + c.token + "/sendMessage")
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	if resp.IsError() || !out.OK {
		return fmt.Errorf("telegram: status %d: %s", resp.StatusCode(), out.Description)
	}
	return nil
}

// FormatMessage renders the approver message for s.
func FormatMessage(s Summary) string {
	user := s.Username
	if user == "" {
		user = s.UserID
	}
	wallet := s.WalletAddress
	if wallet == "" {
		wallet = "not linked"
	}

	var b strings.Builder
	b.WriteString("<b>Sell request awaiting approval</b>\n\n")
	fmt.Fprintf(&b, "Request: <code>%s</code>\n", html.EscapeString(s.RequestID))
	fmt.Fprintf(&b, "User: %s\n", html.EscapeString(user))
	fmt.Fprintf(&b, "Market: %s\n", html.EscapeString(s.MarketTitle))
	fmt.Fprintf(&b, "Outcome: %s\n", strings.ToUpper(string(s.Outcome)))
	fmt.Fprintf(&b, "Quantity: %s\n", s.Quantity.String())
	fmt.Fprintf(&b, "Price: %s (floor %s)\n", s.RequestedPrice.StringFixed(4), s.MinPrice.StringFixed(4))
	fmt.Fprintf(&b, "Net proceeds: %s\n", s.NetProceeds.String())
	fmt.Fprintf(&b, "Wallet: <code>%s</code>\n", html.EscapeString(wallet))
	fmt.Fprintf(&b, "Created: %s\n\n", s.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Confirm: <code>ledgerctl confirm %s</code>\n", html.EscapeString(s.RequestID))
	fmt.Fprintf(&b, "Cancel: <code>ledgerctl cancel %s</code>", html.EscapeString(s.RequestID))
	return b.String()
}
