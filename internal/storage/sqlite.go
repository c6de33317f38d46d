package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"ticket-mint/models"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// SQLite persists state in a single SQLite file through dbx.
type SQLite struct {
	db *dbx.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := dbx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.DB().SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.NewQuery(stmt).WithContext(ctx).Execute(); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

type eventRow struct {
	ID          string `db:"id"`
	Name        string `db:"name"`
	Venue       string `db:"venue"`
	StartsAt    int64  `db:"starts_at"`
	PriceWei    string `db:"price_wei"`
	SeatRows    int    `db:"seat_rows"`
	SeatColumns int    `db:"seat_columns"`
	CreatedAt   int64  `db:"created_at"`
}

type seatRow struct {
	EventID   string `db:"event_id"`
	SeatIndex int    `db:"seat_index"`
	State     string `db:"state"`
	RequestID string `db:"request_id"`
	TokenID   int64  `db:"token_id"`
	HeldAt    int64  `db:"held_at"`
}

type requestRow struct {
	ID         string        `db:"id"`
	Seq        int64         `db:"seq"`
	EventID    string        `db:"event_id"`
	SeatIndex  sql.NullInt64 `db:"seat_index"`
	Requester  string        `db:"requester"`
	IdentityID string        `db:"identity_id"`
	ImageHash  string        `db:"image_hash"`
	Status     string        `db:"status"`
	TokenID    int64         `db:"token_id"`
	Reason     string        `db:"reason"`
	CreatedAt  int64         `db:"created_at"`
	DecidedAt  sql.NullInt64 `db:"decided_at"`
}

type ticketRow struct {
	TokenID          int64         `db:"token_id"`
	EventID          string        `db:"event_id"`
	SeatIndex        sql.NullInt64 `db:"seat_index"`
	Owner            string        `db:"owner"`
	IdentityID       string        `db:"identity_id"`
	ImageHash        string        `db:"image_hash"`
	ReceiptID        string        `db:"receipt_id"`
	RequestID        string        `db:"request_id"`
	VerificationCode string        `db:"verification_code"`
	IssuedAt         int64         `db:"issued_at"`
}

type verifiedRow struct {
	TokenID    int64 `db:"token_id"`
	VerifiedAt int64 `db:"verified_at"`
}

func (s *SQLite) Commit(ctx context.Context, change models.Change) error {
	return s.db.TransactionalContext(ctx, nil, func(tx *dbx.Tx) error {
		exec := func(q string, params dbx.Params) error {
			_, err := tx.NewQuery(q).Bind(params).WithContext(ctx).Execute()
			return err
		}

		for _, ev := range change.Events {
			err := exec(`INSERT INTO events (id, name, venue, starts_at, price_wei, seat_rows, seat_columns, created_at)
				VALUES ({:id}, {:name}, {:venue}, {:starts_at}, {:price_wei}, {:seat_rows}, {:seat_columns}, {:created_at})
				ON CONFLICT (id) DO UPDATE SET name = excluded.name, venue = excluded.venue, starts_at = excluded.starts_at`,
				dbx.Params{
					"id":           ev.ID,
					"name":         ev.Name,
					"venue":        ev.Venue,
					"starts_at":    toNanos(ev.StartsAt),
					"price_wei":    ev.PriceWei.String(),
					"seat_rows":    ev.SeatRows,
					"seat_columns": ev.SeatColumns,
					"created_at":   toNanos(ev.CreatedAt),
				})
			if err != nil {
				return fmt.Errorf("save event %s: %w", ev.ID, err)
			}
		}

		for _, req := range change.Requests {
			err := exec(`INSERT INTO requests (id, seq, event_id, seat_index, requester, identity_id, image_hash, status, token_id, reason, created_at, decided_at)
				VALUES ({:id}, {:seq}, {:event_id}, {:seat_index}, {:requester}, {:identity_id}, {:image_hash}, {:status}, {:token_id}, {:reason}, {:created_at}, {:decided_at})
				ON CONFLICT (id) DO UPDATE SET status = excluded.status, token_id = excluded.token_id,
					reason = excluded.reason, decided_at = excluded.decided_at`,
				dbx.Params{
					"id":          req.ID,
					"seq":         int64(req.Seq),
					"event_id":    req.EventID,
					"seat_index":  nullIndex(req.SeatIndex),
					"requester":   req.RequesterAddress,
					"identity_id": req.IdentityID,
					"image_hash":  req.ImageHash,
					"status":      string(req.Status),
					"token_id":    int64(req.TokenID),
					"reason":      req.Reason,
					"created_at":  toNanos(req.CreatedAt),
					"decided_at":  nullTime(req.DecidedAt),
				})
			if err != nil {
				return fmt.Errorf("save request %s: %w", req.ID, err)
			}
		}

		for _, seat := range change.Seats {
			var err error
			if seat.State == models.SeatFree {
				err = exec(`DELETE FROM seats WHERE event_id = {:event_id} AND seat_index = {:seat_index}`,
					dbx.Params{"event_id": seat.EventID, "seat_index": seat.Index})
			} else {
				err = exec(`INSERT INTO seats (event_id, seat_index, state, request_id, token_id, held_at)
					VALUES ({:event_id}, {:seat_index}, {:state}, {:request_id}, {:token_id}, {:held_at})
					ON CONFLICT (event_id, seat_index) DO UPDATE SET state = excluded.state,
						request_id = excluded.request_id, token_id = excluded.token_id, held_at = excluded.held_at`,
					dbx.Params{
						"event_id":   seat.EventID,
						"seat_index": seat.Index,
						"state":      seat.State.String(),
						"request_id": seat.RequestID,
						"token_id":   int64(seat.TokenID),
						"held_at":    toNanos(seat.HeldAt),
					})
			}
			if err != nil {
				return fmt.Errorf("save seat %s:%d: %w", seat.EventID, seat.Index, err)
			}
		}

		for _, t := range change.Tickets {
			err := exec(`INSERT OR IGNORE INTO tickets (token_id, event_id, seat_index, owner, identity_id, image_hash, receipt_id, request_id, verification_code, issued_at)
				VALUES ({:token_id}, {:event_id}, {:seat_index}, {:owner}, {:identity_id}, {:image_hash}, {:receipt_id}, {:request_id}, {:verification_code}, {:issued_at})`,
				dbx.Params{
					"token_id":          int64(t.TokenID),
					"event_id":          t.EventID,
					"seat_index":        nullIndex(t.SeatIndex),
					"owner":             t.Owner,
					"identity_id":       t.IdentityID,
					"image_hash":        t.ImageHash,
					"receipt_id":        t.ReceiptID,
					"request_id":        t.RequestID,
					"verification_code": t.VerificationCode,
					"issued_at":         toNanos(t.IssuedAt),
				})
			if err != nil {
				return fmt.Errorf("save ticket %d: %w", t.TokenID, err)
			}
		}

		for _, v := range change.Verified {
			err := exec(`INSERT OR IGNORE INTO verified (token_id, verified_at) VALUES ({:token_id}, {:verified_at})`,
				dbx.Params{"token_id": int64(v.TokenID), "verified_at": toNanos(v.VerifiedAt)})
			if err != nil {
				return fmt.Errorf("save verification %d: %w", v.TokenID, err)
			}
		}
		return nil
	})
}

func (s *SQLite) Load(ctx context.Context) (models.Snapshot, error) {
	var snap models.Snapshot

	var events []eventRow
	if err := s.db.NewQuery("SELECT * FROM events ORDER BY created_at").WithContext(ctx).All(&events); err != nil {
		return snap, fmt.Errorf("load events: %w", err)
	}
	for _, row := range events {
		price, err := decimal.NewFromString(row.PriceWei)
		if err != nil {
			return snap, fmt.Errorf("load event %s: price: %w", row.ID, err)
		}
		snap.Events = append(snap.Events, models.Event{
			ID:          row.ID,
			Name:        row.Name,
			Venue:       row.Venue,
			StartsAt:    fromNanos(row.StartsAt),
			PriceWei:    price,
			SeatRows:    row.SeatRows,
			SeatColumns: row.SeatColumns,
			CreatedAt:   fromNanos(row.CreatedAt),
		})
	}

	var seats []seatRow
	if err := s.db.NewQuery("SELECT * FROM seats").WithContext(ctx).All(&seats); err != nil {
		return snap, fmt.Errorf("load seats: %w", err)
	}
	for _, row := range seats {
		var state models.SeatState
		if err := state.UnmarshalText([]byte(row.State)); err != nil {
			return snap, fmt.Errorf("load seat %s:%d: %w", row.EventID, row.SeatIndex, err)
		}
		snap.Seats = append(snap.Seats, models.Seat{
			EventID:   row.EventID,
			Index:     row.SeatIndex,
			State:     state,
			RequestID: row.RequestID,
			TokenID:   uint64(row.TokenID),
			HeldAt:    fromNanos(row.HeldAt),
		})
	}

	var requests []requestRow
	if err := s.db.NewQuery("SELECT * FROM requests ORDER BY seq").WithContext(ctx).All(&requests); err != nil {
		return snap, fmt.Errorf("load requests: %w", err)
	}
	for _, row := range requests {
		req := models.TicketRequest{
			ID:               row.ID,
			Seq:              uint64(row.Seq),
			EventID:          row.EventID,
			SeatIndex:        indexPtr(row.SeatIndex),
			RequesterAddress: row.Requester,
			IdentityID:       row.IdentityID,
			ImageHash:        row.ImageHash,
			Status:           models.RequestStatus(row.Status),
			TokenID:          uint64(row.TokenID),
			Reason:           row.Reason,
			CreatedAt:        fromNanos(row.CreatedAt),
		}
		if row.DecidedAt.Valid {
			at := fromNanos(row.DecidedAt.Int64)
			req.DecidedAt = &at
		}
		snap.Requests = append(snap.Requests, req)
	}

	var tickets []ticketRow
	if err := s.db.NewQuery("SELECT * FROM tickets ORDER BY token_id").WithContext(ctx).All(&tickets); err != nil {
		return snap, fmt.Errorf("load tickets: %w", err)
	}
	for _, row := range tickets {
		snap.Tickets = append(snap.Tickets, models.Ticket{
			TokenID:          uint64(row.TokenID),
			EventID:          row.EventID,
			SeatIndex:        indexPtr(row.SeatIndex),
			Owner:            row.Owner,
			IdentityID:       row.IdentityID,
			ImageHash:        row.ImageHash,
			ReceiptID:        row.ReceiptID,
			RequestID:        row.RequestID,
			VerificationCode: row.VerificationCode,
			IssuedAt:         fromNanos(row.IssuedAt),
		})
	}

	var verified []verifiedRow
	if err := s.db.NewQuery("SELECT * FROM verified").WithContext(ctx).All(&verified); err != nil {
		return snap, fmt.Errorf("load verified: %w", err)
	}
	for _, row := range verified {
		snap.Verified = append(snap.Verified, models.Verification{
			TokenID:    uint64(row.TokenID),
			VerifiedAt: fromNanos(row.VerifiedAt),
		})
	}
	return snap, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.DB().PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullIndex(index *int) sql.NullInt64 {
	if index == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*index), Valid: true}
}

func indexPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}
