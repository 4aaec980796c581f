// Package network tracks which upstream full nodes the client talks to.
package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"tower/config"
	"tower/logs"
	"tower/types"
)

// Known chains; "custom" means upstreams were set by hand.
const (
	ChainMainnet = "mainnet"
	ChainTestnet = "testnet"
	ChainDevnet  = "devnet"
	ChainCustom  = "custom"
)

var (
	ErrNoUpstream    = errors.New("no upstream node configured")
	ErrEmptyPlaylist = errors.New("playlist has no usable nodes")
	ErrUnknownChain  = errors.New("unknown chain")
)

// maxPlaylistBytes bounds a playlist download.
const maxPlaylistBytes = 1 << 20

// Error 网络配置相关错误
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string                 { return fmt.Sprintf("network %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error                 { return e.Err }
func (e *Error) Category() types.ErrorCategory { return types.CategoryMisc }

// Profile 当前网络视图
type Profile struct {
	Chain       string   `json:"chain"`
	Upstreams   []string `json:"upstream_nodes"`
	PlaylistURL string   `json:"playlist_url,omitempty"`
}

// Playlist is the fullnode playlist JSON document.
type Playlist struct {
	Nodes []PlaylistNode `json:"nodes"`
}

type PlaylistNode struct {
	URL  string `json:"url"`
	Note string `json:"note,omitempty"`
}

// Manager 维护上游节点列表
type Manager struct {
	mu      sync.RWMutex
	profile Profile
	client  *http.Client
	logger  logs.Logger
	// onChange persists a changed profile; optional.
	onChange func(Profile) error
}

func NewManager(cfg config.NetworkConfig, logger logs.Logger) *Manager {
	if logger == nil {
		logger = logs.Default()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Manager{
		profile: Profile{
			Chain:       cfg.Chain,
			Upstreams:   append([]string(nil), cfg.Upstreams...),
			PlaylistURL: cfg.PlaylistURL,
		},
		client: newHTTPClient(cfg.UseHTTP3, timeout),
		logger: logger,
	}
}

// OnChange registers a hook called after every profile change.
func (m *Manager) OnChange(fn func(Profile) error) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// Profile returns a copy of the current view.
func (m *Manager) Profile() Profile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p := m.profile
	p.Upstreams = append([]string(nil), m.profile.Upstreams...)
	return p
}

// Upstream is the node requests go to.
func (m *Manager) Upstream() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.profile.Upstreams) == 0 {
		return "", ErrNoUpstream
	}
	return m.profile.Upstreams[0], nil
}

func (m *Manager) update(fn func(p *Profile)) (Profile, error) {
	m.mu.Lock()
	fn(&m.profile)
	hook := m.onChange
	m.mu.Unlock()

	p := m.Profile()
	if hook != nil {
		if err := hook(p); err != nil {
			return p, &Error{Op: "save", Err: err}
		}
	}
	return p, nil
}

// SetChain switches the named chain, keeping the current upstreams.
func (m *Manager) SetChain(chain string) (Profile, error) {
	switch chain {
	case ChainMainnet, ChainTestnet, ChainDevnet, ChainCustom:
	default:
		return m.Profile(), &Error{Op: "set_chain", Err: fmt.Errorf("%q: %w", chain, ErrUnknownChain)}
	}
	return m.update(func(p *Profile) { p.Chain = chain })
}

// ForceUpstream pins a single upstream node.
func (m *Manager) ForceUpstream(raw string) (Profile, error) {
	u, err := parseNodeURL(raw)
	if err != nil {
		return m.Profile(), &Error{Op: "force_upstream", Err: err}
	}
	m.logger.Info("[Network] forcing upstream %s", u)
	return m.update(func(p *Profile) { p.Upstreams = []string{u} })
}

// FetchPlaylist downloads and validates a fullnode playlist.
func (m *Manager) FetchPlaylist(ctx context.Context, raw string) (*Playlist, error) {
	if _, err := parseNodeURL(raw); err != nil {
		return nil, &Error{Op: "fetch_playlist", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return nil, &Error{Op: "fetch_playlist", Err: err}
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, &Error{Op: "fetch_playlist", Err: fmt.Errorf("%w: %v", types.ErrUnreachable, err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Op: "fetch_playlist", Err: fmt.Errorf("http status %d", resp.StatusCode)}
	}
	var pl Playlist
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxPlaylistBytes)).Decode(&pl); err != nil {
		return nil, &Error{Op: "fetch_playlist", Err: fmt.Errorf("%w: %v", types.ErrMalformed, err)}
	}
	return &pl, nil
}

// OverridePlaylist fetches a playlist and replaces the upstream list with
// its valid nodes.
func (m *Manager) OverridePlaylist(ctx context.Context, raw string) (Profile, error) {
	pl, err := m.FetchPlaylist(ctx, raw)
	if err != nil {
		return m.Profile(), err
	}
	var nodes []string
	for _, n := range pl.Nodes {
		u, err := parseNodeURL(n.URL)
		if err != nil {
			m.logger.Warn("[Network] playlist %s: skipping %q: %v", raw, n.URL, err)
			continue
		}
		nodes = append(nodes, u)
	}
	if len(nodes) == 0 {
		return m.Profile(), &Error{Op: "override_playlist", Err: ErrEmptyPlaylist}
	}
	m.logger.Info("[Network] playlist %s: %d upstream nodes", raw, len(nodes))
	return m.update(func(p *Profile) {
		p.Upstreams = nodes
		p.PlaylistURL = raw
	})
}

func parseNodeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%q: missing host", raw)
	}
	return u.String(), nil
}
