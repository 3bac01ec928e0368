package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"newsup/pkg/logx"
)

// Manager owns the config file of a run. It loads it once up front and,
// while Watch runs, republishes every edit that still resolves.
type Manager struct {
	path     string
	overlay  func(*Config)
	log      logx.Logger
	settle   time.Duration
	current  atomic.Pointer[loaded]
	listenMu sync.Mutex
	listen   map[chan *Config]struct{}
}

type loaded struct {
	cfg *Config
	sum uint64
}

func NewManager(path string) *Manager {
	return &Manager{
		path:   path,
		settle: 250 * time.Millisecond,
		listen: make(map[chan *Config]struct{}),
	}
}

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

func (m *Manager) Path() string { return m.path }

// SetOverlay registers fn to run on every decoded document. Command-line
// overrides live here so they survive edits of the file.
func (m *Manager) SetOverlay(fn func(*Config)) { m.overlay = fn }

// Parse reads the file, decodes it and applies the overlay. Nothing is
// stored.
func (m *Manager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	cfg, err := Decode(m.path, raw)
	if err != nil {
		return nil, err
	}
	if m.overlay != nil {
		m.overlay(cfg)
	}
	return cfg, nil
}

// Decode parses a JSON document, or YAML when path ends in .yaml/.yml.
// Unknown keys and trailing content are errors.
func Decode(path string, data []byte) (*Config, error) {
	doc, err := toJSON(path, data)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.DisallowUnknownFields()
	cfg := new(Config)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	switch err := dec.Decode(new(json.RawMessage)); {
	case errors.Is(err, io.EOF):
		return cfg, nil
	case err == nil:
		return nil, fmt.Errorf("%s: unexpected content after the document", path)
	default:
		return nil, fmt.Errorf("%s: %w", path, err)
	}
}

// Commit makes cfg the current config without notifying anyone.
func (m *Manager) Commit(cfg *Config) {
	m.current.Store(&loaded{cfg: cfg, sum: fingerprint(cfg)})
}

func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *Manager) Get() *Config {
	if cur := m.current.Load(); cur != nil {
		return cur.cfg
	}
	return nil
}

// fingerprint is zero when cfg cannot be encoded, which never matches.
func fingerprint(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Subscribe returns a channel receiving each published config. A slow
// reader only ever sees the newest one.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.listenMu.Lock()
	m.listen[ch] = struct{}{}
	m.listenMu.Unlock()
	return ch
}

// Unsubscribe closes ch. Unknown channels are ignored.
func (m *Manager) Unsubscribe(ch chan *Config) {
	m.listenMu.Lock()
	defer m.listenMu.Unlock()
	if _, ok := m.listen[ch]; ok {
		delete(m.listen, ch)
		close(ch)
	}
}

func (m *Manager) publish(cfg *Config) {
	m.listenMu.Lock()
	defer m.listenMu.Unlock()
	for ch := range m.listen {
		for {
			select {
			case ch <- cfg:
			default:
				// Full: discard the oldest pending config and try again.
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// reload is called once edits have settled. Broken or invalid files are
// logged and ignored; the previous config stays current.
func (m *Manager) reload() {
	log := m.log.With(logx.String("path", m.path))
	cfg, err := m.Parse()
	if err != nil {
		log.Warn("config edit ignored: parse failed", logx.Err(err))
		return
	}
	sum := fingerprint(cfg)
	if cur := m.current.Load(); cur != nil && sum != 0 && cur.sum == sum {
		log.Debug("config file touched without changes")
		return
	}
	if _, err := cfg.Resolve(); err != nil {
		log.Warn("config edit ignored: invalid", logx.Err(err))
		return
	}
	m.Commit(cfg)
	m.publish(cfg)
	log.Debug("config edit published", logx.Uint64("fingerprint", sum))
}
