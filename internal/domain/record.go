package domain

// Record is one row of the application table created by the init task and
// served by the CRUD handler.
type Record struct {
	ID   int64  `db:"id" json:"id"`
	Name string `db:"name" json:"name"`
}
