package server

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"hyakume/internal/config"
	"hyakume/internal/dispatch"
	"hyakume/internal/ingest"
	"hyakume/internal/reconstruct"
	"hyakume/internal/registry"
	"hyakume/internal/session"
	"hyakume/internal/storage"
	"hyakume/internal/token"
)

// NewFromConfig は設定から全コンポーネントを組み立てたServerを作成する
// プル型の保留キューは常に有効で、NATSは設定で有効な場合のみ接続する
func NewFromConfig(cfg *config.Config) (*Server, error) {
	reg := registry.New(cfg.Retention.MaxDevices)
	store := session.NewStore(cfg.Retention.MaxSessions)
	authority := token.NewAuthority([]byte(cfg.Auth.TokenSecret))
	layout := storage.NewLayout(cfg.Storage.Root)

	pending := dispatch.NewPendingQueue()
	transports := []dispatch.Transport{pending}

	if cfg.Dispatch.NATS.Enabled {
		nc, err := nats.Connect(cfg.Dispatch.NATS.URL, nats.Name("hyakume"))
		if err != nil {
			return nil, fmt.Errorf("NATSへの接続に失敗: %w", err)
		}
		transports = append(transports, dispatch.NewNATSTransport(nc, cfg.Dispatch.NATS.Prefix))
		log.Info().Str("url", cfg.Dispatch.NATS.URL).
			Str("prefix", cfg.Dispatch.NATS.Prefix).Msg("NATSトランスポートを有効にしました")
	}

	dispatcher := dispatch.NewDispatcher(
		reg, store, authority, layout, transports,
		cfg.Dispatch.FloorDelay, cfg.Dispatch.DefaultDelay, cfg.Auth.TokenTTL,
	)

	runner := reconstruct.NewRunner(
		cfg.Reconstruct.ColmapCmd,
		cfg.Reconstruct.LichtfeldCmd,
		cfg.Reconstruct.WorkspaceRoot,
		cfg.Reconstruct.SnapshotInterval,
		layout,
	)

	return New(cfg, Deps{
		Registry:   reg,
		Store:      store,
		Dispatcher: dispatcher,
		Pending:    pending,
		Ingestor:   ingest.NewIngestor(authority, store, layout),
		Runner:     runner,
	}), nil
}
