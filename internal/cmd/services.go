package main

import (
	"context"
	"fmt"

	"github.com/pairgrid/pairgrid/internal/gateway"
	"github.com/pairgrid/pairgrid/internal/store"
)

type Services struct {
	Store   *store.NATS
	Gateway *gateway.Gateway
	Handler *gateway.Handler
}

func setupServices(ctx context.Context, config *Config) (*Services, error) {
	// Store layer → gateway layer → HTTP handler layer
	natsStore, err := store.NewNATS(ctx, config.natsConfig())
	if err != nil {
		return nil, fmt.Errorf("connect store: %w", err)
	}

	gw := gateway.New(natsStore, natsStore.Ephemeral(), gateway.DefaultConfig())

	return &Services{
		Store:   natsStore,
		Gateway: gw,
		Handler: gateway.NewHandler(gw),
	}, nil
}

func (s *Services) Close() {
	s.Store.Close()
}
