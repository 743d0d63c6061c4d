package upstream

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jkoelker/switchyard/pkg/config"
)

// GetPendingAuthClient returns the server waiting for authorization under name.
func (h *Handler) GetPendingAuthClient(name string) (PendingAuth, error) {
	_, client, err := h.serverForState(name)
	if err != nil {
		return PendingAuth{}, err
	}

	pending, ok := client.(PendingAuth)
	if !ok {
		return PendingAuth{}, fmt.Errorf("%w: server %q is not pending authorization", ErrNotFound, name)
	}

	return pending, nil
}

// InitiateOAuthForServer starts an authorization flow for a pending server.
// Device flows complete in the background and connect the server.
func (h *Handler) InitiateOAuthForServer(
	ctx context.Context,
	name string,
	callbackURL string,
) (AuthorizationRequest, error) {
	pending, err := h.GetPendingAuthClient(name)
	if err != nil {
		return AuthorizationRequest{}, err
	}

	server := pending.TargetServer

	request, err := h.oauth.InitiateOAuth(ctx, server, callbackURL, func(client Client) {
		if _, ok := h.TargetServer(server.Name); !ok {
			h.logger.Info("device authorization completed for removed server",
				zap.String("server", server.Name),
			)

			if err := client.Close(); err != nil {
				h.logger.Debug("error closing client", zap.String("server", server.Name), zap.Error(err))
			}

			return
		}

		h.logger.Info("device authorization completed", zap.String("server", server.Name))
		h.recordClientUpsert(context.WithoutCancel(ctx), Connected{TargetServer: server, Client: client})
	})
	if err != nil {
		return AuthorizationRequest{}, fmt.Errorf("failed to initiate authorization of %s: %w", server.Name, err)
	}

	h.logger.Info("authorization initiated", zap.String("server", server.Name))

	return request, nil
}

// CompleteOAuthByState completes the flow identified by state and returns
// the name of the authorized server.
func (h *Handler) CompleteOAuthByState(ctx context.Context, state, code string) (string, error) {
	name, ok := h.oauth.ServerNameByState(state)
	if !ok {
		return "", fmt.Errorf("%w: authorization state %q", ErrNotFound, state)
	}

	defer h.oauth.CompleteFlowCleanup(state)

	if err := h.CompleteOAuthForServer(ctx, name, code); err != nil {
		return name, err
	}

	return name, nil
}

// CompleteOAuthForServer exchanges code for tokens and connects a pending
// server. A failed exchange leaves the server in the connection-failed state.
func (h *Handler) CompleteOAuthForServer(ctx context.Context, name, code string) error {
	pending, err := h.GetPendingAuthClient(name)
	if err != nil {
		return err
	}

	server := pending.TargetServer

	client, err := h.oauth.CompleteOAuth(ctx, server.Name, code)
	if err != nil {
		h.logger.Error("authorization failed", zap.String("server", server.Name), zap.Error(err))
		h.recordClientUpsert(ctx, ConnectionFailed{TargetServer: server, Err: err})

		return fmt.Errorf("failed to complete authorization of %s: %w", server.Name, err)
	}

	h.recordClientUpsert(ctx, Connected{TargetServer: server, Client: client})
	h.logger.Info("authorization completed", zap.String("server", server.Name))

	return nil
}

// ReuseOAuthByName connects a pending server with its stored tokens.
func (h *Handler) ReuseOAuthByName(ctx context.Context, name string) error {
	pending, err := h.GetPendingAuthClient(name)
	if err != nil {
		return err
	}

	return h.ReuseOAuth(ctx, pending.TargetServer)
}

// ReuseOAuth connects server with its stored tokens.
func (h *Handler) ReuseOAuth(ctx context.Context, server config.TargetServer) error {
	client, err := h.reuseTokens(ctx, server)
	if err != nil {
		return err
	}

	h.recordClientUpsert(ctx, Connected{TargetServer: server, Client: client})

	return nil
}
