package sqlite

import "database/sql"

// RawDB exposes the connection to tests that probe schema constraints.
func RawDB(s *Store) (*sql.DB, error) { return s.db, nil }
