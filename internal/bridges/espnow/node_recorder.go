package espnow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Node is one sensor node heard by the gateway.
type Node struct {
	MAC             string    `json:"mac"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
	FrameCount      int64     `json:"frame_count"`
	InfoCount       int64     `json:"info_count"`
	DataCount       int64     `json:"data_count"`
	LastPayloadSize int       `json:"last_payload_size"`
}

// NodeRecorder passively records every sender MAC seen on the air, building
// a registry of known sensor nodes over time. The bridge calls RecordFrame
// for each frame it drains, whether or not the broker is reachable.
//
// Thread Safety: All methods are safe for concurrent use.
type NodeRecorder struct {
	db     *sql.DB
	logger Logger

	upsertStmt *sql.Stmt
	stmtMu     sync.Mutex

	closed bool
	mu     sync.RWMutex
}

// NewNodeRecorder creates a recorder. The database must have the
// espnow_nodes table created (see the migrations package).
func NewNodeRecorder(db *sql.DB) *NodeRecorder {
	return &NodeRecorder{
		db: db,
	}
}

// SetLogger sets the logger for the recorder.
func (r *NodeRecorder) SetLogger(logger Logger) {
	r.logger = logger
}

// Start prepares the recorder for use.
// Must be called before RecordFrame.
func (r *NodeRecorder) Start() error {
	r.stmtMu.Lock()
	defer r.stmtMu.Unlock()

	if r.upsertStmt != nil {
		return nil // Already started
	}

	stmt, err := r.db.Prepare(`
		INSERT INTO espnow_nodes (mac, first_seen, last_seen, frame_count, info_count, data_count, last_payload_size)
		VALUES (?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(mac) DO UPDATE SET
			last_seen = MAX(last_seen, excluded.last_seen),
			frame_count = frame_count + 1,
			info_count = info_count + excluded.info_count,
			data_count = data_count + excluded.data_count,
			last_payload_size = excluded.last_payload_size
	`)
	if err != nil {
		return fmt.Errorf("preparing node upsert statement: %w", err)
	}

	r.upsertStmt = stmt
	r.log("node recorder started")
	return nil
}

// Stop closes the recorder and releases resources.
func (r *NodeRecorder) Stop() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.stmtMu.Lock()
	defer r.stmtMu.Unlock()

	if r.upsertStmt != nil {
		r.upsertStmt.Close()
		r.upsertStmt = nil
	}

	r.log("node recorder stopped")
}

// RecordFrame records the sender of f. Errors are logged, never returned:
// the registry must not hold up the bridge.
func (r *NodeRecorder) RecordFrame(f Frame) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return
	}
	r.mu.RUnlock()

	r.stmtMu.Lock()
	stmt := r.upsertStmt
	r.stmtMu.Unlock()

	if stmt == nil {
		return // Not started
	}

	seen := f.ReceivedAt
	if seen.IsZero() {
		seen = time.Now()
	}
	ts := seen.Unix()

	var info, data int
	switch f.Kind {
	case KindInfo:
		info = 1
	case KindData:
		data = 1
	}

	if _, err := stmt.Exec(f.Sender.String(), ts, ts, info, data, len(f.Payload)); err != nil {
		r.logError("recording node", err)
	}
}

const nodeColumns = `mac, first_seen, last_seen, frame_count, info_count, data_count, last_payload_size`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (Node, error) {
	var (
		n               Node
		first, lastSeen int64
	)
	if err := row.Scan(&n.MAC, &first, &lastSeen, &n.FrameCount, &n.InfoCount, &n.DataCount, &n.LastPayloadSize); err != nil {
		return Node{}, err
	}
	n.FirstSeen = time.Unix(first, 0).UTC()
	n.LastSeen = time.Unix(lastSeen, 0).UTC()
	return n, nil
}

// ListNodes returns every known node, most recently heard first.
func (r *NodeRecorder) ListNodes(ctx context.Context) ([]Node, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+nodeColumns+`
		FROM espnow_nodes
		ORDER BY last_seen DESC, mac ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	nodes := []Node{}
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}

	return nodes, rows.Err()
}

// GetNode returns the node with the given MAC, or ErrNodeNotFound.
func (r *NodeRecorder) GetNode(ctx context.Context, mac MAC) (Node, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+nodeColumns+`
		FROM espnow_nodes
		WHERE mac = ?`, mac.String())

	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Node{}, fmt.Errorf("%w: %s", ErrNodeNotFound, mac)
	}
	return n, err
}

// NodeCount returns the number of known nodes.
func (r *NodeRecorder) NodeCount(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM espnow_nodes`).Scan(&count)
	return count, err
}

// log logs an info message if logger is set.
func (r *NodeRecorder) log(msg string, keysAndValues ...any) {
	if r.logger != nil {
		r.logger.Info(msg, keysAndValues...)
	}
}

// logError logs an error if logger is set.
func (r *NodeRecorder) logError(msg string, err error) {
	if r.logger != nil {
		r.logger.Error(msg, "error", err)
	}
}
