package scanner

import (
	"fmt"
	"path/filepath"

	"github.com/MeKo-Tech/docscan/internal/capture"
	"github.com/MeKo-Tech/docscan/internal/detector"
	"github.com/MeKo-Tech/docscan/internal/storage"
)

// FactoryConfig configures the engines built by EngineFactory.
type FactoryConfig struct {
	Storage   storage.Config
	Capture   capture.Config
	Detection detector.Config
	Options   Options
}

// EngineFactory returns a constructor for per-session engines. Each engine
// stores its files under <storage dir>/sessions/<id>, so cleaning up one
// session never touches another. The detector and the capture inbox are
// shared.
func EngineFactory(cfg FactoryConfig) func(id string) (Scanner, error) {
	det := detector.New(cfg.Detection)
	inbox := capture.NewInbox(cfg.Capture)

	return func(id string) (Scanner, error) {
		sc := cfg.Storage
		if sc.Dir == "" {
			sc.Dir = storage.DefaultConfig().Dir
		}
		sc.Dir = filepath.Join(sc.Dir, "sessions", id)
		store, err := storage.New(sc)
		if err != nil {
			return nil, fmt.Errorf("session storage: %w", err)
		}
		return NewEngine(store, inbox, det, cfg.Options), nil
	}
}
