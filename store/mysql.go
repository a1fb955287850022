package store

import (
	"database/sql"

	_ "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
)

// mysqlSchema creates the piece_progress table, one row per completed
// piece, grounded on modasi-mika/store/mysql's schema-per-store convention
// (a dedicated table per concern rather than a single blob column).
const mysqlSchema = `
CREATE TABLE IF NOT EXISTS piece_progress (
	info_hash  CHAR(40)    NOT NULL,
	piece      INT         NOT NULL,
	completed_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (info_hash, piece)
)`

// MySQLSink stores completed-piece records as rows in a piece_progress
// table, one row per (info_hash, piece).
type MySQLSink struct {
	db *sql.DB
}

// NewMySQLSink opens a connection using dsn (the go-sql-driver/mysql DSN
// format, e.g. "user:pass@tcp(host:3306)/dbname") and ensures the
// piece_progress table exists.
func NewMySQLSink(dsn string) (*MySQLSink, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "store: opening mysql connection")
	}
	if _, err := db.Exec(mysqlSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "store: creating piece_progress table")
	}
	return &MySQLSink{db: db}, nil
}

// Save inserts the completed-piece record, ignoring duplicate (info_hash,
// piece) pairs from a resumed session replaying already-saved progress.
func (s *MySQLSink) Save(r Record) error {
	_, err := s.db.Exec(
		`INSERT IGNORE INTO piece_progress (info_hash, piece) VALUES (?, ?)`,
		infoHashHex(r.InfoHash), r.Piece,
	)
	if err != nil {
		return errors.Wrap(err, "store: mysql insert")
	}
	return nil
}

// Completed returns every piece index recorded as complete for infoHash.
func (s *MySQLSink) Completed(infoHash [20]byte) ([]int, error) {
	rows, err := s.db.Query(`SELECT piece FROM piece_progress WHERE info_hash = ?`, infoHashHex(infoHash))
	if err != nil {
		return nil, errors.Wrap(err, "store: mysql query")
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var piece int
		if err := rows.Scan(&piece); err != nil {
			return nil, errors.Wrap(err, "store: scanning row")
		}
		out = append(out, piece)
	}
	return out, rows.Err()
}

// Close releases the underlying *sql.DB.
func (s *MySQLSink) Close() error {
	return s.db.Close()
}
