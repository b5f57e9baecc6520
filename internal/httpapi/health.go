package httpapi

import (
	"context"

	"goa.design/clue/health"

	"github.com/resume-agent/runtime/internal/store"
)

// storePinger adapts store.Store's Ping into goa.design/clue/health's
// Pinger interface, grounded on the teacher's own Mongo client wrapper
// (features/*/mongo/clients/mongo/client.go embeds health.Pinger and
// implements Name()/Ping() over the same kind of single backing
// dependency this server has).
type storePinger struct {
	store store.Store
}

func (p storePinger) Name() string { return "store" }

func (p storePinger) Ping(ctx context.Context) error { return p.store.Ping(ctx) }
