package cli

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/apartner/apartner-talk/internal/coordinator"
	"github.com/apartner/apartner-talk/internal/directory"
	"github.com/apartner/apartner-talk/internal/transport"
)

var errNoToken = errors.New("no token: set TALK_TOKEN or pass --token")

// openSession connects a coordinator for the configured resident and mounts
// the widget. Callers must Teardown the result.
func (a *app) openSession(ctx context.Context) (*coordinator.Coordinator, error) {
	client := a.cfg.Client
	if client.Token == "" {
		return nil, errNoToken
	}
	dir, err := directory.New(directory.Config{
		BaseURL: client.BaseURL,
		Token:   client.Token,
	}, a.logger)
	if err != nil {
		return nil, err
	}
	tr := transport.New(transport.Config{
		URL:           client.WSURL,
		Token:         client.Token,
		ReconnectBase: client.ReconnectBase(),
		ReconnectMax:  client.ReconnectMax(),
		AckTimeout:    client.AckTimeout(),
	}, a.logger)

	c := coordinator.New(dir, tr,
		coordinator.WithLogger(a.logger),
		coordinator.WithCategories(a.categories),
	)
	if err := c.Start(ctx); err != nil {
		_ = c.Teardown()
		return nil, err
	}
	if err := c.Mount(ctx); err != nil {
		_ = c.Teardown()
		return nil, err
	}
	a.logger.Debug("chat session ready", zap.String("base_url", client.BaseURL))
	return c, nil
}

func (a *app) withSession(ctx context.Context, fn func(*coordinator.Coordinator) error) error {
	c, err := a.openSession(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Teardown(); err != nil {
			a.logger.Warn("chat session teardown", zap.Error(err))
		}
	}()
	return fn(c)
}
