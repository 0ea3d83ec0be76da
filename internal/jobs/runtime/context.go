package runtime

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/graphforge/graphforge-backend/internal/data/repos"
	"github.com/graphforge/graphforge-backend/internal/extraction"
	"github.com/graphforge/graphforge-backend/internal/graph"
	"github.com/graphforge/graphforge-backend/internal/platform/config"
	"github.com/graphforge/graphforge-backend/internal/platform/logger"
	"github.com/graphforge/graphforge-backend/internal/tasks"

	"github.com/graphforge/graphforge-backend/internal/domain"
)

// Deps is the capability set handed to every job handler. Handlers get the
// same wiring the HTTP layer uses, never raw globals.
type Deps struct {
	DB        *gorm.DB
	Log       *logger.Logger
	Cfg       *config.Config
	Tasks     *tasks.Coordinator
	Store     graph.Store
	Loader    *graph.Loader
	NewEngine extraction.Factory
	Scopes    repos.ScopeRepo
	Documents repos.DocumentRepo
	Queue     repos.QueueJobRepo
}

// Context is the execution handle for a single claimed job. It wraps the
// job row and the decoded payload; handlers report lifecycle outcomes
// through Deps.Tasks rather than touching the queue row.
type Context struct {
	Ctx     context.Context
	Job     *domain.QueueJob
	Deps    Deps
	payload map[string]any
}

// NewContext decodes the payload eagerly so handlers read inputs via
// Payload helpers. A malformed payload yields an empty map; handlers
// validate the fields they require.
func NewContext(ctx context.Context, job *domain.QueueJob, deps Deps) *Context {
	c := &Context{Ctx: ctx, Job: job, Deps: deps}
	c.decodePayload()
	return c
}

func (c *Context) decodePayload() {
	c.payload = map[string]any{}
	if c.Job == nil || len(c.Job.Payload) == 0 {
		return
	}
	var m map[string]any
	if err := json.Unmarshal(c.Job.Payload, &m); err != nil {
		return
	}
	c.payload = m
}

func (c *Context) Payload() map[string]any {
	if c.payload == nil {
		c.payload = map[string]any{}
	}
	return c.payload
}

func (c *Context) PayloadString(key string) string {
	v, _ := c.Payload()[key].(string)
	return v
}

func (c *Context) PayloadUUID(key string) uuid.UUID {
	id, err := uuid.Parse(c.PayloadString(key))
	if err != nil {
		return uuid.Nil
	}
	return id
}

// PayloadUUIDs decodes a JSON array of id strings, skipping entries that
// do not parse.
func (c *Context) PayloadUUIDs(key string) []uuid.UUID {
	raw, _ := c.Payload()[key].([]any)
	out := make([]uuid.UUID, 0, len(raw))
	for _, v := range raw {
		s, _ := v.(string)
		if id, err := uuid.Parse(s); err == nil {
			out = append(out, id)
		}
	}
	return out
}
