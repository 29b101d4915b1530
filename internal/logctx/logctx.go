// Package logctx enriches slog records with room and channel context carried
// on the context.Context, so call sites do not have to repeat the attributes
// on every log line.
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(roomDataKey{}).(*RoomData); ok {
		r.AddAttrs(slog.Group("room",
			slog.String("name", rd.Name),
			slog.String("status", rd.Status),
		))
	}

	if cd, ok := ctx.Value(channelDataKey{}).(*ChannelData); ok {
		r.AddAttrs(slog.Group("channel",
			slog.String("name", cd.Name),
			slog.String("state", cd.State),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type roomDataKey struct{}

type RoomData struct {
	Name   string
	Status string
}

func WithRoom(ctx context.Context, rd *RoomData) context.Context {
	return context.WithValue(ctx, roomDataKey{}, rd)
}

type channelDataKey struct{}

type ChannelData struct {
	Name  string
	State string
}

func WithChannel(ctx context.Context, cd *ChannelData) context.Context {
	return context.WithValue(ctx, channelDataKey{}, cd)
}
