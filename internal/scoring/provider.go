package scoring

import (
	"fmt"
	"sync/atomic"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Provider holds the live engine and swaps it atomically on reload.
// Callers grab the current engine once per request so a reload mid-request
// never mixes two configurations.
type Provider struct {
	current atomic.Pointer[Engine]
}

// NewProvider creates a provider serving e.
func NewProvider(e *Engine) *Provider {
	p := &Provider{}
	p.current.Store(e)
	return p
}

// Engine returns the live engine.
func (p *Provider) Engine() *Engine {
	return p.current.Load()
}

// Reload builds an engine from cfg and makes it live. On error the
// previous engine keeps serving.
func (p *Provider) Reload(cfg *domain.EngineConfig, version int) (*Engine, error) {
	e, err := New(cfg, version)
	if err != nil {
		return nil, fmt.Errorf("reload engine: %w", err)
	}
	p.current.Store(e)
	return e, nil
}
