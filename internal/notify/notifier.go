// Package notify delivers operator alerts (failed settlements, markets held
// for review) to chat channels. Alerts are filtered by event name so each
// deployment chooses which events page a human.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// Sender delivers one formatted alert to a channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans alerts out to its senders. It implements domain.Alerter.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	prefix  string
	timeout time.Duration
	logger  *slog.Logger
}

// Options configures a Notifier.
type Options struct {
	// Events lists the event names to deliver; empty delivers all.
	Events []string
	// Prefix is prepended to every title, e.g. the environment name.
	Prefix string
	// Timeout bounds each sender call. Zero means 10s.
	Timeout time.Duration
}

// NewNotifier creates a Notifier over senders.
func NewNotifier(senders []Sender, opts Options, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(opts.Events))
	for _, e := range opts.Events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		prefix:  opts.Prefix,
		timeout: opts.Timeout,
		logger:  logger.With(slog.String("component", "notify")),
	}
}

// Notify delivers an alert for event unless the event is filtered out. Every
// sender is tried; their failures are joined.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "alert filtered", slog.String("event", event))
		return nil
	}
	if n.prefix != "" {
		title = fmt.Sprintf("[%s] %s", n.prefix, title)
	}

	var errs []error
	for _, s := range n.senders {
		sctx, cancel := context.WithTimeout(ctx, n.timeout)
		err := s.Send(sctx, title, message)
		cancel()
		if err != nil {
			n.logger.ErrorContext(ctx, "alert delivery failed",
				slog.String("sender", s.Name()),
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "alert delivered", slog.String("sender", s.Name()), slog.String("event", event))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

// Senders returns the names of the configured channels.
func (n *Notifier) Senders() []string {
	names := make([]string, len(n.senders))
	for i, s := range n.senders {
		names[i] = s.Name()
	}
	return names
}

var _ domain.Alerter = (*Notifier)(nil)
