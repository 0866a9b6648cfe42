// Package identitystore persists a node's own identity and bootstrap
// peer list across restarts, in the teacher's sqlite-schema style
// (internal/cluster/schema.go): a node that restarts should rejoin
// with the same node_id rather than minting a new one, which would
// orphan every ServiceInstance it previously originated. This is
// distinct from the out-of-scope shared file-metadata persistence
// named in spec.md's Non-goals — it holds only this node's own small
// local-identity row.
package identitystore

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS node_identity (
    node_id TEXT PRIMARY KEY,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS bootstrap_peers (
    node_id TEXT PRIMARY KEY,
    address TEXT NOT NULL,
    added_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// Store is the sqlite-backed identity persistence layer.
type Store struct {
	db *sql.DB
}

// Peer is one row of the bootstrap peer list.
type Peer struct {
	NodeID  string
	Address string
}

// Open opens (creating if necessary) the sqlite database at path and
// applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("identitystore: open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("identitystore: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadOrCreateNodeID returns the node_id persisted from a prior run,
// or persists and returns newID if this is the first run.
func (s *Store) LoadOrCreateNodeID(newID string) (string, error) {
	var existing string
	err := s.db.QueryRow(`SELECT node_id FROM node_identity LIMIT 1`).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		if _, err := s.db.Exec(`INSERT INTO node_identity (node_id, created_at) VALUES (?, ?)`, newID, time.Now()); err != nil {
			return "", fmt.Errorf("identitystore: persist node_id: %w", err)
		}
		return newID, nil
	case err != nil:
		return "", fmt.Errorf("identitystore: load node_id: %w", err)
	default:
		return existing, nil
	}
}

// SaveBootstrapPeers replaces the persisted bootstrap peer list.
func (s *Store) SaveBootstrapPeers(peers []Peer) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("identitystore: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM bootstrap_peers`); err != nil {
		return fmt.Errorf("identitystore: clear bootstrap_peers: %w", err)
	}
	for _, p := range peers {
		if _, err := tx.Exec(`INSERT INTO bootstrap_peers (node_id, address, added_at) VALUES (?, ?, ?)`, p.NodeID, p.Address, time.Now()); err != nil {
			return fmt.Errorf("identitystore: insert bootstrap peer %s: %w", p.NodeID, err)
		}
	}
	return tx.Commit()
}

// LoadBootstrapPeers returns the persisted bootstrap peer list.
func (s *Store) LoadBootstrapPeers() ([]Peer, error) {
	rows, err := s.db.Query(`SELECT node_id, address FROM bootstrap_peers`)
	if err != nil {
		return nil, fmt.Errorf("identitystore: query bootstrap_peers: %w", err)
	}
	defer rows.Close()

	var out []Peer
	for rows.Next() {
		var p Peer
		if err := rows.Scan(&p.NodeID, &p.Address); err != nil {
			return nil, fmt.Errorf("identitystore: scan bootstrap peer: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
