package apps

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/ussdgate/internal/sessions"
)

const (
	// StartCommand begins a new gateway session; it is sent downstream as "".
	StartCommand = "start"

	// FallbackReply is returned (marker included) when the gateway answers non-200.
	FallbackReply = "CON error retrieving response"

	defaultGatewayTimeout = 10 * time.Second
	maxReplyBytes         = 64 << 10
)

// USSDConfig describes one HTTP USSD gateway application.
type USSDConfig struct {
	Key     string
	Trigger string
	Index   string
	Title   string

	// Endpoint is the full gateway URL, e.g. http://localhost:5002/ussd.
	Endpoint string
	Timeout  time.Duration

	// RateLimit caps outbound requests per second (0 = unlimited).
	RateLimit float64
	Burst     int

	// MSISDNOverrides maps a chat subscriber to the MSISDN sent upstream.
	MSISDNOverrides map[string]string
}

// USSDApp proxies chat text to an HTTP USSD gateway:
//
//	GET {endpoint}?MSISDN=<subscriber>&session_id=<int>&ussd_string=<text>
type USSDApp struct {
	cfg      USSDConfig
	endpoint *url.URL
	client   *http.Client
	limiter  *rate.Limiter
}

// NewUSSDApp validates cfg and builds the adapter. A nil client gets a
// default one; the per-request timeout is always applied through the context.
func NewUSSDApp(cfg USSDConfig, client *http.Client) (*USSDApp, error) {
	if cfg.Key == "" {
		return nil, fmt.Errorf("ussd app: key is required")
	}
	if cfg.Trigger == "" {
		cfg.Trigger = cfg.Key
	}
	if cfg.Title == "" {
		cfg.Title = cfg.Key
	}
	endpoint, err := url.Parse(cfg.Endpoint)
	if err != nil || endpoint.Scheme == "" || endpoint.Host == "" {
		return nil, fmt.Errorf("ussd app %s: invalid endpoint %q", cfg.Key, cfg.Endpoint)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultGatewayTimeout
	}
	if client == nil {
		client = &http.Client{}
	}

	app := &USSDApp{cfg: cfg, endpoint: endpoint, client: client}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		app.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return app, nil
}

func (a *USSDApp) Key() string     { return a.cfg.Key }
func (a *USSDApp) Trigger() string { return a.cfg.Trigger }
func (a *USSDApp) Index() string   { return a.cfg.Index }
func (a *USSDApp) Title() string   { return a.cfg.Title }

// Handle issues one synchronous gateway request. Non-direct chats get no
// reply; non-200 answers become FallbackReply; transport failures and
// timeouts return an error wrapping ErrGatewayUnavailable.
func (a *USSDApp) Handle(ctx context.Context, req Request) (string, bool, error) {
	subscriber, ok := sessions.Subscriber(req.ChatID)
	if !ok {
		slog.Debug("ussd: ignoring non-direct chat", "app", a.cfg.Key, "chat_id", req.ChatID)
		return "", false, nil
	}
	if msisdn, ok := a.cfg.MSISDNOverrides[subscriber]; ok {
		subscriber = msisdn
	}

	text := req.Text
	if strings.EqualFold(strings.TrimSpace(text), StartCommand) {
		slog.Info("ussd: new session starting", "app", a.cfg.Key, "session_id", req.SessionID)
		text = ""
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return "", false, fmt.Errorf("ussd %s rate limit: %w: %w", a.cfg.Key, ErrGatewayUnavailable, err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.requestURL(subscriber, req.SessionID, text), nil)
	if err != nil {
		return "", false, fmt.Errorf("ussd %s: build request: %w", a.cfg.Key, err)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return "", false, fmt.Errorf("ussd %s request: %w: %w", a.cfg.Key, ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return "", false, fmt.Errorf("ussd %s read reply: %w: %w", a.cfg.Key, ErrGatewayUnavailable, err)
	}

	slog.Info("ussd: gateway replied",
		"app", a.cfg.Key,
		"status", resp.StatusCode,
		"session_id", req.SessionID,
		"preview", runewidth.Truncate(string(body), 60, "..."),
	)

	if resp.StatusCode != http.StatusOK {
		return FallbackReply, true, nil
	}
	return string(body), true, nil
}

func (a *USSDApp) requestURL(msisdn string, sessionID int64, text string) string {
	u := *a.endpoint
	q := u.Query()
	q.Set("MSISDN", msisdn)
	q.Set("session_id", strconv.FormatInt(sessionID, 10))
	q.Set("ussd_string", text)
	u.RawQuery = q.Encode()
	return u.String()
}

// IsGatewayUnavailable reports whether err is a retryable gateway failure.
func IsGatewayUnavailable(err error) bool {
	return errors.Is(err, ErrGatewayUnavailable)
}
