package database

import (
	"fmt"
)

// UpstreamServerRow is a persisted upstream DNS server entry, mirroring
// one address from the relay's healthy (-g) or poisoned (-b) list.
type UpstreamServerRow struct {
	Address  string
	Poisoned bool
	Healthy  bool
	Priority int
}

// GetUpstreamServers returns the mirrored upstream list, ordered the same
// way the relay broadcasts: priority ascending.
func (db *DB) GetUpstreamServers() ([]UpstreamServerRow, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.Query(`
		SELECT address, poisoned, healthy, priority
		FROM upstream_servers
		ORDER BY priority ASC, address ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query upstream servers: %w", err)
	}
	defer rows.Close()

	var out []UpstreamServerRow
	for rows.Next() {
		var r UpstreamServerRow
		if err := rows.Scan(&r.Address, &r.Poisoned, &r.Healthy, &r.Priority); err != nil {
			return nil, fmt.Errorf("failed to scan upstream server row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ReplaceUpstreamServers atomically replaces the mirrored upstream list.
func (db *DB) ReplaceUpstreamServers(healthy, poisoned []string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM upstream_servers"); err != nil {
		return fmt.Errorf("failed to clear upstream servers: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO upstream_servers (address, poisoned, healthy, priority)
		VALUES (?, ?, 1, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare upstream insert: %w", err)
	}
	defer stmt.Close()

	for i, addr := range healthy {
		if _, err := stmt.Exec(addr, false, i); err != nil {
			return fmt.Errorf("failed to insert healthy upstream %s: %w", addr, err)
		}
	}
	for i, addr := range poisoned {
		if _, err := stmt.Exec(addr, true, i); err != nil {
			return fmt.Errorf("failed to insert poisoned upstream %s: %w", addr, err)
		}
	}

	return tx.Commit()
}

// GetTrustedNetCIDRs returns the mirrored trusted-network CIDR list.
func (db *DB) GetTrustedNetCIDRs() ([]string, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.Query("SELECT cidr FROM trusted_net_cidrs ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query trusted-net CIDRs: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var cidr string
		if err := rows.Scan(&cidr); err != nil {
			return nil, fmt.Errorf("failed to scan trusted-net CIDR row: %w", err)
		}
		out = append(out, cidr)
	}
	return out, rows.Err()
}

// ReplaceTrustedNetCIDRs atomically replaces the mirrored CIDR list.
func (db *DB) ReplaceTrustedNetCIDRs(cidrs []string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM trusted_net_cidrs"); err != nil {
		return fmt.Errorf("failed to clear trusted-net CIDRs: %w", err)
	}

	stmt, err := tx.Prepare("INSERT OR IGNORE INTO trusted_net_cidrs (cidr) VALUES (?)")
	if err != nil {
		return fmt.Errorf("failed to prepare trusted-net insert: %w", err)
	}
	defer stmt.Close()

	for _, cidr := range cidrs {
		if _, err := stmt.Exec(cidr); err != nil {
			return fmt.Errorf("failed to insert trusted-net CIDR %s: %w", cidr, err)
		}
	}

	return tx.Commit()
}

// GetHostsRuleLines returns the mirrored hosts rule file, one raw line
// per entry, in file order.
func (db *DB) GetHostsRuleLines() ([]string, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.Query("SELECT line FROM hosts_rules ORDER BY position ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query hosts rules: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, fmt.Errorf("failed to scan hosts rule row: %w", err)
		}
		out = append(out, line)
	}
	return out, rows.Err()
}

// ReplaceHostsRuleLines atomically replaces the mirrored hosts rule file.
func (db *DB) ReplaceHostsRuleLines(lines []string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM hosts_rules"); err != nil {
		return fmt.Errorf("failed to clear hosts rules: %w", err)
	}

	stmt, err := tx.Prepare("INSERT INTO hosts_rules (line, position) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare hosts rule insert: %w", err)
	}
	defer stmt.Close()

	for i, line := range lines {
		if _, err := stmt.Exec(line, i); err != nil {
			return fmt.Errorf("failed to insert hosts rule line %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// StoreSnapshot is a point-in-time summary of the mirrored relay state,
// used by the admin API's /store/status endpoint.
type StoreSnapshot struct {
	Version         int64
	UpstreamCount   int
	TrustedNetCIDRs int
	HostsRuleLines  int
}

// Snapshot reports the current config version and row counts across the
// mirrored tables in one round trip.
func (db *DB) Snapshot() (StoreSnapshot, error) {
	version, err := db.GetVersion()
	if err != nil {
		return StoreSnapshot{}, err
	}

	var snap StoreSnapshot
	snap.Version = version

	db.mu.RLock()
	defer db.mu.RUnlock()

	if err := db.conn.QueryRow("SELECT COUNT(*) FROM upstream_servers").Scan(&snap.UpstreamCount); err != nil {
		return StoreSnapshot{}, fmt.Errorf("failed to count upstream servers: %w", err)
	}
	if err := db.conn.QueryRow("SELECT COUNT(*) FROM trusted_net_cidrs").Scan(&snap.TrustedNetCIDRs); err != nil {
		return StoreSnapshot{}, fmt.Errorf("failed to count trusted-net CIDRs: %w", err)
	}
	if err := db.conn.QueryRow("SELECT COUNT(*) FROM hosts_rules").Scan(&snap.HostsRuleLines); err != nil {
		return StoreSnapshot{}, fmt.Errorf("failed to count hosts rules: %w", err)
	}

	return snap, nil
}
