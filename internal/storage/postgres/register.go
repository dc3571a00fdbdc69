package postgres

import "writepath/internal/storage"

func init() {
	// registers the postgres backend factory
	storage.Register("postgres", New)
}
