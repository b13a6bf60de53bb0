package inmemdb

import (
	"sync"

	"github.com/trezcool/daftari/core/user"
	"github.com/trezcool/daftari/core/workbook"
)

// DB is an in-memory storage backend used in tests and local tooling. All
// tables share one lock so that Atomic can snapshot and restore consistently.
type DB struct {
	mutex sync.RWMutex

	users     map[string]*user.User
	workbooks map[string]*workbook.Workbook
	sheets    map[string]*workbook.GradeSheet
	chapters  map[string]*workbook.Chapter
}

func Open() (*DB, error) {
	db := &DB{
		users:     make(map[string]*user.User),
		workbooks: make(map[string]*workbook.Workbook),
		sheets:    make(map[string]*workbook.GradeSheet),
		chapters:  make(map[string]*workbook.Chapter),
	}
	return db, nil
}
