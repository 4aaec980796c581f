package network

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"tower/config"
	"tower/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager() *Manager {
	cfg := config.DefaultConfig().Network
	cfg.Upstreams = []string{"http://127.0.0.1:8080"}
	return NewManager(cfg, nil)
}

func TestOverridePlaylist(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"nodes":[{"url":"http://node-a:8080","note":"a"},{"url":"ftp://bad"},{"url":"https://node-b"}]}`)
	}))
	defer srv.Close()

	m := newTestManager()
	var saved []Profile
	m.OnChange(func(p Profile) error { saved = append(saved, p); return nil })

	p, err := m.OverridePlaylist(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://node-a:8080", "https://node-b"}, p.Upstreams)
	assert.Equal(t, srv.URL, p.PlaylistURL)
	require.Len(t, saved, 1)

	up, err := m.Upstream()
	require.NoError(t, err)
	assert.Equal(t, "http://node-a:8080", up)
}

func TestOverridePlaylistFailures(t *testing.T) {
	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"nodes":[]}`)
	}))
	defer empty.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `not json`)
	}))
	defer broken.Close()
	missing := httptest.NewServer(http.NotFoundHandler())
	defer missing.Close()

	m := newTestManager()
	before := m.Profile()

	_, err := m.OverridePlaylist(context.Background(), empty.URL)
	require.ErrorIs(t, err, ErrEmptyPlaylist)
	_, err = m.OverridePlaylist(context.Background(), broken.URL)
	require.ErrorIs(t, err, types.ErrMalformed)
	_, err = m.OverridePlaylist(context.Background(), missing.URL)
	require.Error(t, err)
	_, err = m.OverridePlaylist(context.Background(), "not a url")
	require.Error(t, err)

	assert.Equal(t, before, m.Profile(), "failed overrides leave the profile alone")
}

func TestForceUpstreamAndChain(t *testing.T) {
	m := newTestManager()
	p, err := m.ForceUpstream("https://pinned.example:8080/v1")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://pinned.example:8080/v1"}, p.Upstreams)

	_, err = m.ForceUpstream("pinned.example")
	require.Error(t, err)

	p, err = m.SetChain(ChainTestnet)
	require.NoError(t, err)
	assert.Equal(t, ChainTestnet, p.Chain)
	_, err = m.SetChain("moon")
	require.ErrorIs(t, err, ErrUnknownChain)

	m.OnChange(func(Profile) error { return errors.New("disk full") })
	_, err = m.SetChain(ChainMainnet)
	require.Error(t, err)
	assert.Equal(t, types.CategoryMisc, types.AsTowerError(err).Category)
}

func TestNoUpstream(t *testing.T) {
	m := NewManager(config.NetworkConfig{}, nil)
	_, err := m.Upstream()
	require.ErrorIs(t, err, ErrNoUpstream)
	assert.NotNil(t, newHTTPClient(true, 0).Transport)
}
