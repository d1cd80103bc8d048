package store

import (
	"database/sql"
	"fmt"
	"time"
)

const timeFmt = "2006-01-02T15:04:05.000Z"

// WorldSession mirrors a world.World's externally-visible lifecycle
// state, persisted so the agent can reconcile after a restart.
type WorldSession struct {
	SessionID   string
	State       string
	Isolation   string
	NetnsName   string
	CgroupPath  string
	MergedPath  string
	CreatedAt   time.Time
	PinnedUntil time.Time
	DestroyedAt *time.Time
}

func (s *Store) CreateSession(ws *WorldSession) error {
	_, err := s.db.Exec(`INSERT INTO world_sessions
		(session_id, state, isolation, netns_name, cgroup_path, merged_path, created_at, pinned_until)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ws.SessionID, ws.State, ws.Isolation, ws.NetnsName, ws.CgroupPath, ws.MergedPath,
		ws.CreatedAt.UTC().Format(timeFmt), ws.PinnedUntil.UTC().Format(timeFmt))
	if err != nil {
		return fmt.Errorf("store: create session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(sessionID string) (*WorldSession, error) {
	ws := &WorldSession{SessionID: sessionID}
	var created, pinned string
	var destroyed sql.NullString
	err := s.db.QueryRow(`SELECT state, isolation, netns_name, cgroup_path, merged_path, created_at, pinned_until, destroyed_at
		FROM world_sessions WHERE session_id = ?`, sessionID).Scan(
		&ws.State, &ws.Isolation, &ws.NetnsName, &ws.CgroupPath, &ws.MergedPath, &created, &pinned, &destroyed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get session %s: %w", sessionID, err)
	}
	if ws.CreatedAt, err = time.Parse(timeFmt, created); err != nil {
		return nil, fmt.Errorf("store: parse created_at for %s: %w", sessionID, err)
	}
	if ws.PinnedUntil, err = time.Parse(timeFmt, pinned); err != nil {
		return nil, fmt.Errorf("store: parse pinned_until for %s: %w", sessionID, err)
	}
	if destroyed.Valid {
		t, err := time.Parse(timeFmt, destroyed.String)
		if err != nil {
			return nil, fmt.Errorf("store: parse destroyed_at for %s: %w", sessionID, err)
		}
		ws.DestroyedAt = &t
	}
	return ws, nil
}

// ListLive returns every session not yet marked destroyed (read by
// `substrate world list`).
func (s *Store) ListLive() ([]*WorldSession, error) {
	rows, err := s.db.Query(`SELECT session_id, state, isolation, netns_name, cgroup_path, merged_path, created_at, pinned_until
		FROM world_sessions WHERE destroyed_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("store: list live sessions: %w", err)
	}
	defer rows.Close()

	var out []*WorldSession
	for rows.Next() {
		ws := &WorldSession{}
		var created, pinned string
		if err := rows.Scan(&ws.SessionID, &ws.State, &ws.Isolation, &ws.NetnsName, &ws.CgroupPath, &ws.MergedPath, &created, &pinned); err != nil {
			return nil, fmt.Errorf("store: scan session row: %w", err)
		}
		if ws.CreatedAt, err = time.Parse(timeFmt, created); err != nil {
			return nil, fmt.Errorf("store: parse created_at for %s: %w", ws.SessionID, err)
		}
		if ws.PinnedUntil, err = time.Parse(timeFmt, pinned); err != nil {
			return nil, fmt.Errorf("store: parse pinned_until for %s: %w", ws.SessionID, err)
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

func (s *Store) UpdateSessionState(sessionID, state string) error {
	res, err := s.db.Exec(`UPDATE world_sessions SET state = ? WHERE session_id = ?`, state, sessionID)
	if err != nil {
		return fmt.Errorf("store: update session state for %s: %w", sessionID, err)
	}
	return checkRowAffected(res, sessionID)
}

func (s *Store) UpdatePinnedUntil(sessionID string, until time.Time) error {
	res, err := s.db.Exec(`UPDATE world_sessions SET pinned_until = ? WHERE session_id = ?`,
		until.UTC().Format(timeFmt), sessionID)
	if err != nil {
		return fmt.Errorf("store: update pinned_until for %s: %w", sessionID, err)
	}
	return checkRowAffected(res, sessionID)
}

func (s *Store) MarkDestroyed(sessionID string, at time.Time) error {
	res, err := s.db.Exec(`UPDATE world_sessions SET state = 'destroyed', destroyed_at = ? WHERE session_id = ?`,
		at.UTC().Format(timeFmt), sessionID)
	if err != nil {
		return fmt.Errorf("store: mark destroyed for %s: %w", sessionID, err)
	}
	return checkRowAffected(res, sessionID)
}

func checkRowAffected(res sql.Result, sessionID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("store: no session %s", sessionID)
	}
	return nil
}
