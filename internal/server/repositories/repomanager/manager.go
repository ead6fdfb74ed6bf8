package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/docuvault/internal/dbx"
	"github.com/dmitrijs2005/docuvault/internal/server/repositories/attachments"
	"github.com/dmitrijs2005/docuvault/internal/server/repositories/scans"
	"github.com/dmitrijs2005/docuvault/internal/server/repositories/versions"
)

// RepositoryManager vends repository implementations bound to a DBTX so the
// same repository code runs inside and outside transactions.
type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Attachments(db dbx.DBTX) attachments.Repository
	Versions(db dbx.DBTX) versions.Repository
	Scans(db dbx.DBTX) scans.Repository
}
