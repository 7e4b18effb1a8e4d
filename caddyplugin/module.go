// Package caddyplugin adapts streamhttp.Handler and webhook.Routes to a
// Caddy HTTP middleware module, so the durable streams protocol can be
// mounted inside a Caddyfile/JSON config alongside Caddy's own routing,
// TLS termination, and reverse proxying.
package caddyplugin

import (
	"fmt"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"

	"github.com/durablestreams/durablestreams/store"
	"github.com/durablestreams/durablestreams/streamhttp"
	"github.com/durablestreams/durablestreams/webhook"
)

func init() {
	caddy.RegisterModule(Handler{})
	httpcaddyfile.RegisterHandlerDirective("durable_streams", parseCaddyfile)
}

// Handler implements the durable streams protocol as a Caddy HTTP handler.
type Handler struct {
	// DataDir is the directory for storing stream data. If empty, uses
	// in-memory storage (for testing and ephemeral deployments).
	DataDir string `json:"data_dir,omitempty"`

	// LongPollTimeout is the default timeout for long-poll requests.
	LongPollTimeout caddy.Duration `json:"long_poll_timeout,omitempty"`

	// SSEReconnectInterval is how often SSE connections should reconnect.
	SSEReconnectInterval caddy.Duration `json:"sse_reconnect_interval,omitempty"`

	// WebhookCallbackURL is the base URL for webhook callback endpoints.
	// If set, enables the webhook subscription system.
	WebhookCallbackURL string `json:"webhook_callback_url,omitempty"`

	store         store.Store
	logger        *zap.Logger
	streamHandler *streamhttp.Handler
	webhookMgr    *webhook.Manager
	webhookRoutes *webhook.Routes
}

// CaddyModule returns the Caddy module information.
func (Handler) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.durable_streams",
		New: func() caddy.Module { return new(Handler) },
	}
}

// Provision sets up the handler.
func (h *Handler) Provision(ctx caddy.Context) error {
	h.logger = ctx.Logger()

	if h.LongPollTimeout == 0 {
		h.LongPollTimeout = caddy.Duration(30 * time.Second)
	}
	if h.SSEReconnectInterval == 0 {
		h.SSEReconnectInterval = caddy.Duration(60 * time.Second)
	}

	if h.DataDir == "" {
		h.store = store.NewMemoryStore()
		h.logger.Info("using in-memory store (no data_dir configured)")
	} else {
		boltStore, err := store.NewBoltStore(h.DataDir)
		if err != nil {
			return fmt.Errorf("failed to initialize bolt store: %w", err)
		}
		h.store = boltStore
		h.logger.Info("using bolt-backed store", zap.String("data_dir", h.DataDir))
	}

	h.streamHandler = streamhttp.New(h.store, h.logger)
	h.streamHandler.LongPollTimeout = time.Duration(h.LongPollTimeout)
	h.streamHandler.SSEReconnectInterval = time.Duration(h.SSEReconnectInterval)

	if h.WebhookCallbackURL != "" {
		getTailOffset := func(path string) string {
			offset, err := h.store.GetCurrentOffset(path)
			if err != nil {
				return "-1"
			}
			return offset.String()
		}
		h.webhookMgr = webhook.NewManager(h.WebhookCallbackURL, getTailOffset, h.logger)
		h.webhookRoutes = webhook.NewRoutes(h.webhookMgr, h.logger)
		h.streamHandler.OnChange = h.webhookMgr.HandleStoreChange
		h.logger.Info("webhook subscriptions enabled", zap.String("callback_url", h.WebhookCallbackURL))
	}

	return nil
}

// Validate ensures the handler configuration is valid.
func (h *Handler) Validate() error {
	return nil
}

// Cleanup releases resources.
func (h *Handler) Cleanup() error {
	if h.webhookMgr != nil {
		h.webhookMgr.Shutdown()
	}
	if h.store != nil {
		return h.store.Close()
	}
	return nil
}

// UnmarshalCaddyfile parses the Caddyfile syntax for durable_streams:
//
//	durable_streams {
//	    data_dir /var/lib/durable-streams
//	    long_poll_timeout 30s
//	    sse_reconnect_interval 60s
//	    webhook_callback_url https://streams.example.com/_webhooks
//	}
func (h *Handler) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		for d.NextBlock(0) {
			switch d.Val() {
			case "data_dir":
				if !d.Args(&h.DataDir) {
					return d.ArgErr()
				}
			case "long_poll_timeout":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(val)
				if err != nil {
					return d.Errf("invalid duration: %v", err)
				}
				h.LongPollTimeout = caddy.Duration(dur)
			case "sse_reconnect_interval":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(val)
				if err != nil {
					return d.Errf("invalid duration: %v", err)
				}
				h.SSEReconnectInterval = caddy.Duration(dur)
			case "webhook_callback_url":
				if !d.Args(&h.WebhookCallbackURL) {
					return d.ArgErr()
				}
			default:
				return d.Errf("unknown subdirective: %s", d.Val())
			}
		}
	}
	return nil
}

func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var handler Handler
	err := handler.UnmarshalCaddyfile(h.Dispenser)
	return &handler, err
}

// Interface guards.
var (
	_ caddy.Provisioner           = (*Handler)(nil)
	_ caddy.Validator             = (*Handler)(nil)
	_ caddy.CleanerUpper          = (*Handler)(nil)
	_ caddyhttp.MiddlewareHandler = (*Handler)(nil)
	_ caddyfile.Unmarshaler       = (*Handler)(nil)
)
