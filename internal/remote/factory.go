package remote

import (
	"context"
	"fmt"

	"daysync/internal/config"
	"daysync/internal/daysync"
)

// NewRemoteFromConfig creates a Remote based on the remote config type.
func NewRemoteFromConfig(ctx context.Context, cfg config.RemoteConfig, logger daysync.Logger) (daysync.Remote, error) {
	switch cfg.Type {
	case "none", "":
		return daysync.NopRemote{}, nil
	case "http":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("base_url required for http remote")
		}
		var tokens *TokenManager
		if cfg.TokenSecret != "" {
			tokens = NewTokenManager(cfg.TokenSecret, DefaultTokenTTL)
		}
		return NewHTTPRemote(cfg.BaseURL, tokens, cfg.Timeout(DefaultHTTPTimeout), logger), nil
	case "s3":
		r, err := NewS3Remote(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown remote type: %s", cfg.Type)
	}
}
