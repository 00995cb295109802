// Package recorder is a problem module that samples body states into a
// SQLite database while the simulation runs.
package recorder

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/signalsfoundry/simenv/core"
	"github.com/signalsfoundry/simenv/internal/logging"
	"github.com/signalsfoundry/simenv/model"
)

// XMLID is the factory identifier of the recorder.
const XMLID = "recorder"

// DefaultPath is used when Main receives no path argument.
const DefaultPath = "simenv-record.db"

const schema = `CREATE TABLE IF NOT EXISTS body_states (
	sim_time_us INTEGER NOT NULL,
	body_id INTEGER NOT NULL,
	name TEXT NOT NULL,
	x REAL NOT NULL,
	y REAL NOT NULL,
	z REAL NOT NULL,
	dof BLOB,
	PRIMARY KEY (sim_time_us, body_id)
)`

// Sample is one recorded body state.
type Sample struct {
	SimTime time.Duration
	BodyID  int
	Name    string
	Pos     model.Vec3
	DOF     []float64
}

// Recorder implements core.Problem.
type Recorder struct {
	envID model.EnvironmentID
	log   logging.Logger

	mu    sync.Mutex
	db    *sql.DB
	path  string
	every int
	ticks int
}

var _ core.Problem = (*Recorder)(nil)

// New returns a recorder for env. It opens nothing until Main.
func New(env model.EnvironmentID, log logging.Logger) *Recorder {
	return &Recorder{envID: env, log: logging.OrNoop(log), path: DefaultPath, every: 1}
}

func (r *Recorder) XMLID() string                      { return XMLID }
func (r *Recorder) EnvironmentID() model.EnvironmentID { return r.envID }

// Main parses "path=<file> every=<ticks>", opens the database and creates the
// schema. Any failure returns 1 and leaves the recorder detached.
func (r *Recorder) Main(cmd string) int {
	ctx := context.Background()
	if err := r.open(cmd); err != nil {
		r.log.Error(ctx, "recorder failed to start", logging.String("cmd", cmd), logging.Err(err))
		return 1
	}
	r.log.Info(ctx, "recorder started", logging.String("path", r.path), logging.Int("every", r.every))
	return 0
}

func (r *Recorder) open(cmd string) error {
	path, every := DefaultPath, 1
	for _, field := range strings.Fields(cmd) {
		key, val, ok := strings.Cut(field, "=")
		if !ok {
			return fmt.Errorf("%w: argument %q is not key=value", core.ErrInvalidArguments, field)
		}
		switch key {
		case "path":
			path = val
		case "every":
			n, err := strconv.Atoi(val)
			if err != nil || n <= 0 {
				return fmt.Errorf("%w: every=%q", core.ErrInvalidArguments, val)
			}
			every = n
		default:
			return fmt.Errorf("%w: unknown argument %q", core.ErrInvalidArguments, key)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return fmt.Errorf("create body_states table: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db != nil {
		_ = r.db.Close()
	}
	r.db, r.path, r.every, r.ticks = db, path, every, 0
	return nil
}

// SimulationStep records every body in scene once every configured number of
// ticks.
func (r *Recorder) SimulationStep(scene core.Scene, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db == nil {
		return
	}
	r.ticks++
	if r.ticks%r.every != 0 {
		return
	}
	if err := r.record(scene.SimulationTime(), scene.Bodies()); err != nil {
		r.log.Warn(context.Background(), "recorder sample failed", logging.Err(err))
	}
}

func (r *Recorder) record(at time.Duration, bodies []*model.Body) (retErr error) {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO body_states (sim_time_us, body_id, name, x, y, z, dof) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, b := range bodies {
		pos := b.Transform().Trans
		dof, err := json.Marshal(b.DOFValues())
		if err != nil {
			return fmt.Errorf("encode dof of %q: %w", b.Name(), err)
		}
		if _, err := stmt.Exec(at.Microseconds(), b.ID(), b.Name(), pos.X, pos.Y, pos.Z, dof); err != nil {
			return fmt.Errorf("insert %q: %w", b.Name(), err)
		}
	}
	return tx.Commit()
}

// Samples returns the recorded states of the body named name in time order.
func (r *Recorder) Samples(ctx context.Context, name string) ([]Sample, error) {
	r.mu.Lock()
	db := r.db
	r.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("%w: recorder is not running", core.ErrInvalidState)
	}

	rows, err := db.QueryContext(ctx, `SELECT sim_time_us, body_id, name, x, y, z, dof FROM body_states WHERE name = ? ORDER BY sim_time_us`, name)
	if err != nil {
		return nil, fmt.Errorf("select body_states: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Sample
	for rows.Next() {
		var (
			s   Sample
			us  int64
			dof []byte
		)
		if err := rows.Scan(&us, &s.BodyID, &s.Name, &s.Pos.X, &s.Pos.Y, &s.Pos.Z, &dof); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		s.SimTime = time.Duration(us) * time.Microsecond
		if len(dof) > 0 {
			if err := json.Unmarshal(dof, &s.DOF); err != nil {
				return nil, fmt.Errorf("decode dof: %w", err)
			}
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Reset restarts the tick counter. Recorded rows are kept.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.ticks = 0
	r.mu.Unlock()
}

// Destroy closes the database.
func (r *Recorder) Destroy() {
	if err := r.Close(); err != nil {
		r.log.Warn(context.Background(), "recorder close failed", logging.Err(err))
	}
}

// Close closes the database. Later calls are no-ops.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}
