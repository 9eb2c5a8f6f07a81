package main

import (
	"errors"
	"fmt"

	"github.com/sessiond/sessiond/internal/authtoken"
	"github.com/sessiond/sessiond/internal/config"
	"github.com/sessiond/sessiond/internal/state"
	"github.com/sessiond/sessiond/pkg/client"
)

// connect builds a control API client from the on-disk daemon record and
// token file. Both exist only while a daemon is running.
func connect(global *GlobalFlags) (*client.Client, error) {
	cfg, err := config.Load(global.ConfigPath)
	if err != nil {
		return nil, err
	}
	st := state.NewStore(cfg.StatePath(), nil)
	rec, ok := st.Read()
	if !ok {
		return nil, errors.New("daemon is not running (no state record)")
	}
	token, err := authtoken.Load(cfg.TokenPath())
	if err != nil {
		return nil, fmt.Errorf("daemon token unavailable: %w", err)
	}
	return client.New(client.Config{Port: rec.HTTPPort, Token: token}), nil
}
