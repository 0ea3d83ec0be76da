// Package dbctx carries the per-call context handed to repositories: the
// request context plus an optional open transaction. Repos fall back to
// their own *gorm.DB when Tx is nil.
package dbctx

import (
	"context"

	"gorm.io/gorm"
)

type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}
