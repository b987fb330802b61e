// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mobiletoly/go-attendsync/internal/config"
	"github.com/mobiletoly/go-attendsync/localstore"
	"github.com/mobiletoly/go-attendsync/remote"
	"github.com/mobiletoly/go-attendsync/remote/remotetest"
	"github.com/mobiletoly/go-attendsync/remote/restremote"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.DBPath = ":memory:"
	cfg.WatchInterval = time.Hour
	return cfg
}

func TestSetupWithRemote_ReconnectTriggersSync(t *testing.T) {
	ctx := context.Background()
	rem := remotetest.New()
	rem.SetDown(true)

	c, err := SetupWithRemote(ctx, testConfig(), rem, nil)
	require.NoError(t, err)
	defer c.Close()
	require.NotNil(t, c.Watcher)

	_, err = localstore.NewOffices(c.Store).Insert(ctx, localstore.CatalogInput{Name: "Center-A"})
	require.NoError(t, err)

	require.False(t, c.Watcher.Probe(ctx))
	require.Empty(t, rem.Catalog(remote.TableOffices))

	rem.SetDown(false)
	require.True(t, c.Watcher.Probe(ctx))
	require.Len(t, rem.Catalog(remote.TableOffices), 1)

	pending, err := c.Engine.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, pending)
}

func TestSetupWithRemote_NoWatcherWhenIntervalIsZero(t *testing.T) {
	cfg := testConfig()
	cfg.WatchInterval = 0
	c, err := SetupWithRemote(context.Background(), cfg, remotetest.New(), nil)
	require.NoError(t, err)
	defer c.Close()
	require.Nil(t, c.Watcher)

	rec := httptest.NewRecorder()
	c.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSetupWithRemote_APISecretGuardsControlAPI(t *testing.T) {
	cfg := testConfig()
	cfg.APISecret = "operator-secret"
	c, err := SetupWithRemote(context.Background(), cfg, remotetest.New(), nil)
	require.NoError(t, err)
	defer c.Close()

	rec := httptest.NewRecorder()
	c.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sync", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSetup_RESTRemote(t *testing.T) {
	cfg := testConfig()
	cfg.Remote = config.RemoteREST
	cfg.RESTURL = "https://gateway.test"
	cfg.RESTAPIKey = "anon"
	cfg.JWTSecret = "gateway-secret"

	c, err := Setup(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer c.Close()
	require.IsType(t, &restremote.Client{}, c.Remote)
}

func TestSetup_UnsupportedRemote(t *testing.T) {
	cfg := testConfig()
	cfg.Remote = "mysql"
	_, err := Setup(context.Background(), cfg, nil)
	require.ErrorContains(t, err, "unsupported remote")
}
