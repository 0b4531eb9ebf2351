package app

import (
	"context"

	"github.com/Yagasaki7K/dualspeaker/internal/config"
	"github.com/Yagasaki7K/dualspeaker/pkg/signaling"
	"github.com/Yagasaki7K/dualspeaker/pkg/signaling/postgres"
	"github.com/Yagasaki7K/dualspeaker/pkg/signaling/wsstore"
)

func dialWebSocket(ctx context.Context, cfg config.SignalingConfig) (signaling.Store, error) {
	return wsstore.Dial(ctx, cfg.URL, wsstore.WithRequestTimeout(cfg.RequestTimeout))
}

func openPostgres(ctx context.Context, cfg config.SignalingConfig) (signaling.Store, error) {
	return postgres.New(ctx, cfg.PostgresDSN, postgres.WithReapInterval(cfg.ReapInterval))
}
