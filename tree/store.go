package tree

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"
	_ "modernc.org/sqlite"

	"github.com/vitest-dev/vscode-sub001/protocol"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	id TEXT PRIMARY KEY,
	parent_id TEXT,
	position INTEGER NOT NULL,
	name TEXT NOT NULL,
	kind TEXT NOT NULL,
	pattern INTEGER NOT NULL DEFAULT 0,
	pattern_id TEXT,
	mode TEXT,
	state TEXT NOT NULL,
	duration REAL NOT NULL DEFAULT 0,
	errors TEXT,
	line INTEGER,
	col INTEGER,
	project TEXT,
	file TEXT
);
CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(parent_id, position);
`

// Store persists tree snapshots in a SQLite database so the state of the
// last runs survives a restart.
type Store struct {
	db *sql.DB
}

// Open opens or creates the snapshot database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save replaces the stored snapshot with the current content of t.
func (s *Store) Save(ctx context.Context, t *Tree) error {
	files := t.Files()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM nodes`); err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("clear nodes: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO nodes(id, parent_id, position, name, kind, pattern, pattern_id, mode, state, duration, errors, line, col, project, file)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	var insert func(n *Node, parentID string, position int) error
	insert = func(n *Node, parentID string, position int) error {
		var errs any
		if len(n.Errors) > 0 {
			data, err := json.Marshal(n.Errors)
			if err != nil {
				return fmt.Errorf("encode errors of %s: %w", n.Name, err)
			}
			errs = string(data)
		}
		var line, col any
		if n.Location != nil {
			line, col = n.Location.Line, n.Location.Column
		}
		if _, err := stmt.ExecContext(ctx, n.ID, nullable(parentID), position, n.Name, string(n.Kind),
			boolToInt(n.Pattern), nullable(n.PatternID), string(n.Mode), string(n.State), n.Duration,
			errs, line, col, nullable(n.Project), nullable(n.File)); err != nil {
			return fmt.Errorf("insert node %s: %w", n.Name, err)
		}
		for i, c := range n.Children {
			if err := insert(c, n.ID, i); err != nil {
				return err
			}
		}
		return nil
	}
	for i, f := range files {
		if err := insert(f, "", i); err != nil {
			tx.Rollback() //nolint:errcheck
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

// Load replaces the content of t with the stored snapshot. Runs do not
// survive a restart, so running nodes come back waiting.
func (s *Store) Load(ctx context.Context, t *Tree) error {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, parent_id, name, kind, pattern, pattern_id, mode, state, duration, errors, line, col, project, file
FROM nodes ORDER BY rowid`)
	if err != nil {
		return fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	nodes := make(map[string]*Node)
	var files []*Node
	for rows.Next() {
		var (
			n                         Node
			parentID, patternID, errs sql.NullString
			mode, project, file       sql.NullString
			kind, state               string
			pattern                   int
			line, col                 sql.NullInt64
		)
		if err := rows.Scan(&n.ID, &parentID, &n.Name, &kind, &pattern, &patternID, &mode, &state,
			&n.Duration, &errs, &line, &col, &project, &file); err != nil {
			return fmt.Errorf("scan node: %w", err)
		}
		n.Kind = protocol.TaskKind(kind)
		n.State = protocol.TaskState(state)
		if n.State == protocol.StateRunning {
			n.State = protocol.StateWaiting
		}
		n.Mode = protocol.TaskMode(mode.String)
		n.Pattern = pattern != 0
		n.PatternID = patternID.String
		n.Project = project.String
		n.File = file.String
		if line.Valid {
			n.Location = &protocol.Location{Line: int(line.Int64), Column: int(col.Int64)}
		}
		if errs.Valid {
			if err := json.Unmarshal([]byte(errs.String), &n.Errors); err != nil {
				return fmt.Errorf("decode errors of %s: %w", n.Name, err)
			}
		}

		node := &n
		nodes[node.ID] = node
		if !parentID.Valid {
			files = append(files, node)
			continue
		}
		parent, ok := nodes[parentID.String]
		if !ok {
			return fmt.Errorf("node %s: %w", node.ID, errOrphan)
		}
		node.parent = parent
		parent.Children = append(parent.Children, node)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate nodes: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.files = make(map[string]*Node, len(files))
	t.byID = make(map[string]*Node, len(nodes))
	t.runner = make(map[string]*Node)
	for _, f := range files {
		f.runnerID = protocol.FileTaskID(f.Project, t.relPath(f.File))
		t.files[fileKey(f.Project, f.File)] = f
		t.runner[f.runnerID] = f
	}
	for id, n := range nodes {
		t.byID[id] = n
	}
	t.logger.Debug().Int("files", len(files)).Int("nodes", len(nodes)).Msg("snapshot loaded")
	return nil
}

var errOrphan = errors.New("parent not stored before child")

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
