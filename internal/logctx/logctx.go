package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if sd, ok := ctx.Value(subscriptionDataKey{}).(*SubscriptionData); ok {
		attrs := []any{
			slog.String("id", sd.ID),
			slog.String("key", sd.Key),
			slog.String("filter", sd.Filter),
		}
		if sd.Client != "" {
			attrs = append(attrs, slog.String("client", sd.Client))
		}
		r.AddAttrs(slog.Group("sub", attrs...))
	}

	if md, ok := ctx.Value(messageDataKey{}).(*MessageData); ok {
		r.AddAttrs(slog.Group("secs",
			slog.Int("stream", int(md.Stream)),
			slog.Int("function", int(md.Function)),
			slog.String("name", md.Name),
		))
	}

	if cd, ok := ctx.Value(connectionDataKey{}).(*ConnectionData); ok {
		r.AddAttrs(slog.Group("conn",
			slog.String("tool", cd.ToolID),
			slog.String("state", cd.State),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

// Wrap returns a logger whose handler enriches records from context. A logger
// that is already wrapped is returned unchanged.
func Wrap(l *slog.Logger) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	if _, ok := l.Handler().(Handler); ok {
		return l
	}
	return slog.New(Handler{Handler: l.Handler()})
}

type subscriptionDataKey struct{}

type SubscriptionData struct {
	ID     string
	Key    string
	Filter string
	Client string
}

func WithSubscriptionData(ctx context.Context, data *SubscriptionData) context.Context {
	return context.WithValue(ctx, subscriptionDataKey{}, data)
}

type messageDataKey struct{}

type MessageData struct {
	Stream   uint8
	Function uint8
	Name     string
}

func WithMessageData(ctx context.Context, data *MessageData) context.Context {
	return context.WithValue(ctx, messageDataKey{}, data)
}

type connectionDataKey struct{}

type ConnectionData struct {
	ToolID string
	State  string
}

func WithConnectionData(ctx context.Context, data *ConnectionData) context.Context {
	return context.WithValue(ctx, connectionDataKey{}, data)
}
