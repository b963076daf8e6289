package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/kabili207/mesh-monitor/pkg/models"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// nodeRecord is the flat row shape for mesh_nodes. Metric groups are kept
// as a JSON blob so schema churn in telemetry fields never needs a
// migration.
type nodeRecord struct {
	ID          string          `db:"id"`
	LongName    string          `db:"long_name"`
	ShortName   string          `db:"short_name"`
	HWModel     string          `db:"hw_model"`
	Role        string          `db:"role"`
	Latitude    sql.NullFloat64 `db:"latitude"`
	Longitude   sql.NullFloat64 `db:"longitude"`
	Altitude    sql.NullInt32   `db:"altitude"`
	IsDirect    bool            `db:"is_direct"`
	HopCount    int             `db:"hop_count"`
	Confidence  int             `db:"confidence"`
	RSSI        sql.NullInt32   `db:"rssi"`
	SNR         sql.NullFloat64 `db:"snr"`
	MinHops     int             `db:"min_hops"`
	PacketCount int64           `db:"packet_count"`
	Metrics     []byte          `db:"metrics"`
	FirstSeen   time.Time       `db:"first_seen"`
	LastSeen    time.Time       `db:"last_seen"`
}

type messageRecord struct {
	Type       string    `db:"type"`
	FromID     string    `db:"from_id"`
	ToID       string    `db:"to_id"`
	Channel    int64     `db:"channel"`
	ReceivedAt time.Time `db:"received_at"`
	Record     []byte    `db:"record"`
}

type nodeMetrics struct {
	Device      *models.DeviceMetrics      `json:"device,omitempty"`
	Environment *models.EnvironmentMetrics `json:"environment,omitempty"`
	PositionAt  time.Time                  `json:"position_at,omitempty"`
}

// PostgresPersister implements the Persister contract on postgres via
// sqlx, with embedded golang-migrate migrations.
type PostgresPersister struct {
	db *sqlx.DB
}

// NewPostgresPersister connects, runs pending migrations, and returns the
// write-through sink.
func NewPostgresPersister(dsn string) (*PostgresPersister, error) {
	if err := runMigrations(dsn); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	return &PostgresPersister{db: db}, nil
}

func runMigrations(dsn string) error {
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, dsn)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// SaveNode upserts a node row keyed by its normalized identity.
func (p *PostgresPersister) SaveNode(ctx context.Context, node *models.Node) error {
	rec, err := toNodeRecord(node)
	if err != nil {
		return err
	}
	stmt := `
	INSERT INTO mesh_nodes (id, long_name, short_name, hw_model, role,
		latitude, longitude, altitude, is_direct, hop_count, confidence,
		rssi, snr, min_hops, packet_count, metrics, first_seen, last_seen)
	VALUES (:id, :long_name, :short_name, :hw_model, :role,
		:latitude, :longitude, :altitude, :is_direct, :hop_count, :confidence,
		:rssi, :snr, :min_hops, :packet_count, :metrics, :first_seen, :last_seen)
	ON CONFLICT (id)
	DO UPDATE SET
		long_name = :long_name,
		short_name = :short_name,
		hw_model = :hw_model,
		role = :role,
		latitude = :latitude,
		longitude = :longitude,
		altitude = :altitude,
		is_direct = :is_direct,
		hop_count = :hop_count,
		confidence = :confidence,
		rssi = :rssi,
		snr = :snr,
		min_hops = :min_hops,
		packet_count = :packet_count,
		metrics = :metrics,
		last_seen = :last_seen
	;`
	_, err = p.db.NamedExecContext(ctx, stmt, rec)
	return err
}

// SaveMessage appends one classified message. Messages are immutable, so
// this is insert-only.
func (p *PostgresPersister) SaveMessage(ctx context.Context, msg *models.Message) error {
	blob, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	rec := messageRecord{
		Type:       string(msg.Type),
		FromID:     msg.From,
		ToID:       msg.To,
		Channel:    int64(msg.Channel),
		ReceivedAt: msg.ReceivedAt,
		Record:     blob,
	}
	stmt := `
	INSERT INTO mesh_messages (type, from_id, to_id, channel, received_at, record)
	VALUES (:type, :from_id, :to_id, :channel, :received_at, :record);`
	_, err = p.db.NamedExecContext(ctx, stmt, rec)
	return err
}

// DeleteNodes removes evicted identities so restarts do not resurrect
// nodes the retention sweep already purged.
func (p *PostgresPersister) DeleteNodes(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM mesh_nodes WHERE id IN (?);`, ids)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, p.db.Rebind(query), args...)
	return err
}

// LoadNodes returns every persisted node for the load-on-start path.
func (p *PostgresPersister) LoadNodes(ctx context.Context) ([]*models.Node, error) {
	recs := []nodeRecord{}
	if err := p.db.SelectContext(ctx, &recs, `SELECT * FROM mesh_nodes;`); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	nodes := make([]*models.Node, 0, len(recs))
	for i := range recs {
		n, err := fromNodeRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// LoadRecentMessages returns the newest limit messages in chronological
// order, ready to replay into the in-memory log.
func (p *PostgresPersister) LoadRecentMessages(ctx context.Context, limit int) ([]*models.Message, error) {
	recs := []messageRecord{}
	stmt := `
	SELECT type, from_id, to_id, channel, received_at, record
	FROM mesh_messages ORDER BY id DESC LIMIT $1;`
	if err := p.db.SelectContext(ctx, &recs, stmt, limit); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	msgs := make([]*models.Message, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		var m models.Message
		if err := json.Unmarshal(recs[i].Record, &m); err != nil {
			return nil, err
		}
		msgs = append(msgs, &m)
	}
	return msgs, nil
}

// Close releases the database handle.
func (p *PostgresPersister) Close() error {
	return p.db.Close()
}

func toNodeRecord(n *models.Node) (*nodeRecord, error) {
	rec := &nodeRecord{
		ID:          n.ID,
		LongName:    n.LongName,
		ShortName:   n.ShortName,
		HWModel:     n.HWModel,
		Role:        n.Role,
		IsDirect:    n.Connection.IsDirect,
		HopCount:    n.Connection.HopCount,
		Confidence:  int(n.Connection.Confidence),
		MinHops:     n.MinHops,
		PacketCount: int64(n.PacketCount),
		FirstSeen:   n.FirstSeen,
		LastSeen:    n.LastSeen,
	}
	if n.Position != nil {
		rec.Latitude = sql.NullFloat64{Float64: n.Position.Latitude, Valid: true}
		rec.Longitude = sql.NullFloat64{Float64: n.Position.Longitude, Valid: true}
		if n.Position.Altitude != nil {
			rec.Altitude = sql.NullInt32{Int32: *n.Position.Altitude, Valid: true}
		}
	}
	if n.Connection.RSSI != nil {
		rec.RSSI = sql.NullInt32{Int32: *n.Connection.RSSI, Valid: true}
	}
	if n.Connection.SNR != nil {
		rec.SNR = sql.NullFloat64{Float64: float64(*n.Connection.SNR), Valid: true}
	}
	metrics := nodeMetrics{Device: n.Device, Environment: n.Environment}
	if n.Position != nil {
		metrics.PositionAt = n.Position.UpdatedAt
	}
	blob, err := json.Marshal(metrics)
	if err != nil {
		return nil, err
	}
	rec.Metrics = blob
	return rec, nil
}

func fromNodeRecord(rec *nodeRecord) (*models.Node, error) {
	n := &models.Node{
		ID:        rec.ID,
		LongName:  rec.LongName,
		ShortName: rec.ShortName,
		HWModel:   rec.HWModel,
		Role:      rec.Role,
		Connection: models.ConnectionFacts{
			IsDirect:   rec.IsDirect,
			HopCount:   rec.HopCount,
			Confidence: models.Confidence(rec.Confidence),
		},
		MinHops:     rec.MinHops,
		PacketCount: uint64(rec.PacketCount),
		FirstSeen:   rec.FirstSeen,
		LastSeen:    rec.LastSeen,
	}
	if rec.RSSI.Valid {
		v := rec.RSSI.Int32
		n.Connection.RSSI = &v
	}
	if rec.SNR.Valid {
		v := float32(rec.SNR.Float64)
		n.Connection.SNR = &v
	}
	var metrics nodeMetrics
	if len(rec.Metrics) > 0 {
		if err := json.Unmarshal(rec.Metrics, &metrics); err != nil {
			return nil, err
		}
	}
	n.Device = metrics.Device
	n.Environment = metrics.Environment
	if rec.Latitude.Valid && rec.Longitude.Valid {
		n.Position = &models.Position{
			Latitude:  rec.Latitude.Float64,
			Longitude: rec.Longitude.Float64,
			UpdatedAt: metrics.PositionAt,
		}
		if rec.Altitude.Valid {
			v := rec.Altitude.Int32
			n.Position.Altitude = &v
		}
	}
	return n, nil
}
