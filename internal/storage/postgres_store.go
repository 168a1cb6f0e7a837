package storage

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"

	"github.com/example/dispatch-coordinator/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) SaveTrip(t *models.Trip) error {
	times, err := json.Marshal(t.StatusTimes)
	if err != nil {
		return err
	}
	var destLat, destLon sql.NullFloat64
	var destAddr sql.NullString
	if t.Destination != nil {
		destLat = sql.NullFloat64{Float64: t.Destination.Coord.Lat, Valid: true}
		destLon = sql.NullFloat64{Float64: t.Destination.Coord.Lon, Valid: true}
		destAddr = sql.NullString{String: t.Destination.Address, Valid: true}
	}
	_, err = p.db.Exec(`INSERT INTO trips(id, requester_id, unit_id, operator_id, status, status_times, pickup_lat, pickup_lon, pickup_addr, dest_lat, dest_lon, dest_addr, details, notes, rating, feedback, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		t.ID, t.RequesterID, t.UnitID, t.OperatorID, string(t.Status), times,
		t.Pickup.Coord.Lat, t.Pickup.Coord.Lon, t.Pickup.Address,
		destLat, destLon, destAddr, t.Details, t.Notes, t.Rating, t.Feedback,
		t.CreatedAt, t.UpdatedAt)
	return err
}

func (p *PostgresStore) UpdateTrip(t *models.Trip) error {
	times, err := json.Marshal(t.StatusTimes)
	if err != nil {
		return err
	}
	res, err := p.db.Exec(`UPDATE trips SET status=$1, status_times=$2, rating=$3, feedback=$4, notes=$5, updated_at=$6 WHERE id=$7`,
		string(t.Status), times, t.Rating, t.Feedback, t.Notes, time.Now(), t.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) GetTrip(id string) (*models.Trip, error) {
	row := p.db.QueryRow(`SELECT id, requester_id, unit_id, operator_id, status, status_times, pickup_lat, pickup_lon, pickup_addr, dest_lat, dest_lon, dest_addr, details, notes, rating, feedback, created_at, updated_at FROM trips WHERE id=$1`, id)
	return scanTrip(row)
}

func (p *PostgresStore) ActiveTripsByUnit(unitID string) ([]*models.Trip, error) {
	rows, err := p.db.Query(`SELECT id, requester_id, unit_id, operator_id, status, status_times, pickup_lat, pickup_lon, pickup_addr, dest_lat, dest_lon, dest_addr, details, notes, rating, feedback, created_at, updated_at FROM trips WHERE unit_id=$1 AND status NOT IN ($2,$3)`,
		unitID, string(models.StatusCompleted), string(models.StatusCancelled))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrip(row rowScanner) (*models.Trip, error) {
	var t models.Trip
	var status string
	var times []byte
	var destLat, destLon sql.NullFloat64
	var destAddr sql.NullString
	err := row.Scan(&t.ID, &t.RequesterID, &t.UnitID, &t.OperatorID, &status, &times,
		&t.Pickup.Coord.Lat, &t.Pickup.Coord.Lon, &t.Pickup.Address,
		&destLat, &destLon, &destAddr, &t.Details, &t.Notes, &t.Rating, &t.Feedback,
		&t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Status = models.TripStatus(status)
	t.StatusTimes = make(map[models.TripStatus]time.Time)
	if len(times) > 0 {
		if err := json.Unmarshal(times, &t.StatusTimes); err != nil {
			return nil, err
		}
	}
	if destLat.Valid && destLon.Valid {
		t.Destination = &models.Location{
			Coord:   models.Coord{Lat: destLat.Float64, Lon: destLon.Float64},
			Address: destAddr.String,
		}
	}
	return &t, nil
}

func (p *PostgresStore) SaveUnit(u *models.Unit) error {
	_, err := p.db.Exec(`INSERT INTO units(id, operator_id, tags, lat, lon, availability, updated_at) VALUES($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET tags=$3, lat=$4, lon=$5, availability=$6, updated_at=$7`,
		u.ID, u.OperatorID, pq.Array(u.Tags), u.Loc.Lat, u.Loc.Lon, string(u.Availability), u.Updated)
	return err
}

func (p *PostgresStore) UpdateUnit(u *models.Unit) error {
	res, err := p.db.Exec(`UPDATE units SET tags=$1, lat=$2, lon=$3, availability=$4, updated_at=$5 WHERE id=$6`,
		pq.Array(u.Tags), u.Loc.Lat, u.Loc.Lon, string(u.Availability), time.Now(), u.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) GetUnit(id string) (*models.Unit, error) {
	var u models.Unit
	var availability string
	var tags pq.StringArray
	err := p.db.QueryRow(`SELECT id, operator_id, tags, lat, lon, availability, updated_at FROM units WHERE id=$1`, id).
		Scan(&u.ID, &u.OperatorID, &tags, &u.Loc.Lat, &u.Loc.Lon, &availability, &u.Updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Tags = []string(tags)
	u.Availability = models.Availability(availability)
	return &u, nil
}

func (p *PostgresStore) UnitsByOperator(operatorID string) ([]*models.Unit, error) {
	rows, err := p.db.Query(`SELECT id, operator_id, tags, lat, lon, availability, updated_at FROM units WHERE operator_id=$1`, operatorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Unit
	for rows.Next() {
		var u models.Unit
		var availability string
		var tags pq.StringArray
		if err := rows.Scan(&u.ID, &u.OperatorID, &tags, &u.Loc.Lat, &u.Loc.Lon, &availability, &u.Updated); err != nil {
			return nil, err
		}
		u.Tags = []string(tags)
		u.Availability = models.Availability(availability)
		out = append(out, &u)
	}
	return out, rows.Err()
}
