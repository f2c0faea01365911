package bridge

import (
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/eap-bridge-go/lease"
	"github.com/ggoodman/eap-bridge-go/queue/redisqueue"
	"github.com/joeshaw/envdecode"
)

// Queue backends accepted in Config.QueueBackend.
const (
	QueueMemory = "memory"
	QueueRedis  = "redis"
	QueueNone   = "none"
)

// Config for a Bridge. Defaults can be loaded via envdecode.
type Config struct {
	// ToolID names the equipment in logs. ENV: EAP_TOOL_ID
	ToolID string `env:"EAP_TOOL_ID,default=EAP"`
	// CatalogFile is the YAML message catalog. Empty means no catalog.
	// ENV: EAP_CATALOG_FILE
	CatalogFile string `env:"EAP_CATALOG_FILE"`
	// WatchCatalog reloads the catalog when the file changes.
	// ENV: EAP_CATALOG_WATCH
	WatchCatalog bool `env:"EAP_CATALOG_WATCH,default=true"`
	// QueueBackend selects where recoverable events are persisted:
	// memory, redis or none. ENV: EAP_QUEUE_BACKEND
	QueueBackend string `env:"EAP_QUEUE_BACKEND,default=memory"`
	// LinkTestTimeout bounds the S1F13 sent when the link is selected.
	// ENV: EAP_LINK_TEST_TIMEOUT
	LinkTestTimeout time.Duration `env:"EAP_LINK_TEST_TIMEOUT,default=45s"`

	Lease lease.Config
	Redis redisqueue.Config
}

// NewConfigFromEnv populates a Config from the environment.
func NewConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("bridge config: %w", err)
	}
	return cfg, nil
}
