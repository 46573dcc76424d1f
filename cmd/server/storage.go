package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/and161185/chifferchat/internal/config"
	"github.com/and161185/chifferchat/internal/limiter"
	"github.com/and161185/chifferchat/internal/migrate"
	"github.com/and161185/chifferchat/internal/relay"
	"github.com/and161185/chifferchat/internal/repository"
	"github.com/and161185/chifferchat/internal/repository/memory"
	"github.com/and161185/chifferchat/internal/repository/postgres"
)

type storage struct {
	messages repository.MessageRepository
	users    repository.UserRepository
	groups   repository.GroupRepository
	refresh  repository.RefreshRepository
	limiter  limiter.Limiter
	close    func()
}

// openStorage picks Postgres when a database URL is configured, otherwise the in-memory store.
func openStorage(ctx context.Context, cfg config.Config, logger *zap.Logger) (*storage, error) {
	rules := limiter.Rules{Window: cfg.Auth.LoginWindow, MaxFails: cfg.Auth.LoginMaxFailures, BlockFor: cfg.Auth.LoginBlockFor}
	if cfg.DatabaseURL == "" {
		logger.Warn("database_url is empty, using in-memory storage")
		st := memory.New()
		return &storage{
			messages: st.Messages,
			users:    st.Users,
			groups:   st.Groups,
			refresh:  st.Refresh,
			limiter:  limiter.NewMemory(rules),
			close:    func() {},
		}, nil
	}

	if err := migrate.Up(ctx, cfg.DatabaseURL, logger.Named("migrate")); err != nil {
		return nil, fmt.Errorf("migrate up: %w", err)
	}
	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &storage{
		messages: postgres.NewMessageRepo(db),
		users:    postgres.NewUserRepo(db),
		groups:   postgres.NewGroupRepo(db),
		refresh:  postgres.NewRefreshRepo(db),
		limiter:  limiter.NewPG(db.Pool, rules),
		close:    db.Close,
	}, nil
}

func openRelay(cfg config.Config, logger *zap.Logger) (relay.Relay, error) {
	switch cfg.Relay.Kind {
	case config.RelayNATS:
		n, err := relay.DialNATS(cfg.Relay.NATSURL, cfg.Relay.SubjectPrefix, logger.Named("relay"))
		if err != nil {
			return nil, fmt.Errorf("dial nats: %w", err)
		}
		return n, nil
	default:
		return relay.NewLoopback(), nil
	}
}
