// Package all registers every storage backend with the factory. Import
// it for its side effects from binaries that pick the backend at
// runtime via config.
package all

import (
	_ "writepath/internal/storage/mssql"
	_ "writepath/internal/storage/postgres"
	_ "writepath/internal/storage/sqlite"
)
