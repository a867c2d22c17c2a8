package dummydb

import (
	"sync"

	"github.com/trezcool/shule/core/approval"
	"github.com/trezcool/shule/core/audit"
	"github.com/trezcool/shule/core/user"
	"github.com/trezcool/shule/core/version"
)

type (
	// DB is an in-memory database, used by tests and the dummy API.
	DB struct {
		user     *userTable
		approval *approvalTables
		audit    *auditTable
		version  *versionTable
	}

	userTable struct {
		sync.RWMutex
		table map[string]*user.User
	}

	// approvalTables share one lock so that documents and requests change together.
	approvalTables struct {
		sync.RWMutex
		documents map[string]*approval.Document
		requests  map[string]*approval.Request
	}

	auditTable struct {
		sync.RWMutex
		table []*audit.Log // append-only
	}

	versionTable struct {
		sync.RWMutex
		table map[string]*version.DataVersion
	}
)

func Open() (*DB, error) {
	db := &DB{
		user: &userTable{table: make(map[string]*user.User)},
		approval: &approvalTables{
			documents: make(map[string]*approval.Document),
			requests:  make(map[string]*approval.Request),
		},
		audit:   &auditTable{},
		version: &versionTable{table: make(map[string]*version.DataVersion)},
	}
	return db, nil
}

// Reset empties every table.
func (db *DB) Reset() {
	db.user.Lock()
	db.user.table = make(map[string]*user.User)
	db.user.Unlock()

	db.approval.Lock()
	db.approval.documents = make(map[string]*approval.Document)
	db.approval.requests = make(map[string]*approval.Request)
	db.approval.Unlock()

	db.audit.Lock()
	db.audit.table = nil
	db.audit.Unlock()

	db.version.Lock()
	db.version.table = make(map[string]*version.DataVersion)
	db.version.Unlock()
}
