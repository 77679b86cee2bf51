package internal

// database/sql drivers for the watermill-sql transport and the River job
// inserter. The gorm stores register their own.
import (
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)
