package itinerary

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"tripfund/internal/common/database"
	"tripfund/internal/routing"
)

// PostgresStore implements Store and PlaceCatalog on PostgreSQL.
type PostgresStore struct {
	db *database.DB
}

var (
	_ Store        = (*PostgresStore)(nil)
	_ PlaceCatalog = (*PostgresStore)(nil)
)

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create inserts the itinerary and its items in one transaction.
func (s *PostgresStore) Create(ctx context.Context, it *Itinerary) error {
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO itineraries (
				id, owner_id, name, is_public, total_cost, total_duration_s, share_code, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, it.ID, it.OwnerID, it.Name, it.IsPublic, it.TotalCost, it.TotalDurationS, it.ShareCode, it.CreatedAt)
		if err != nil {
			return err
		}

		batch := &pgx.Batch{}
		for pos, item := range it.Items {
			batch.Queue(`
				INSERT INTO itinerary_items (
					id, itinerary_id, place_id, visit_date, transport_mode, sequence, position,
					ticket_cost, leg_distance_m, leg_duration_s, leg_cost
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			`, item.ID, it.ID, item.PlaceID, dateArg(item.VisitDate), item.TransportMode, item.Sequence, pos,
				item.TicketCost, item.LegDistanceM, item.LegDurationS, item.LegCost)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if database.IsUniqueViolation(err) {
		return ErrShareCodeTaken
	}
	return err
}

// Get loads an itinerary with its items in visiting order.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Itinerary, error) {
	return s.getWhere(ctx, "id = $1", id)
}

// GetByShareCode loads an itinerary by its share code.
func (s *PostgresStore) GetByShareCode(ctx context.Context, code string) (*Itinerary, error) {
	return s.getWhere(ctx, "share_code = $1", code)
}

func (s *PostgresStore) getWhere(ctx context.Context, where string, arg any) (*Itinerary, error) {
	var it Itinerary
	err := s.db.WithTxOptions(ctx, database.ReadOnlyTxOptions(), func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			SELECT id, owner_id, name, is_public, total_cost, total_duration_s, share_code, created_at
			FROM itineraries WHERE `+where, arg,
		).Scan(&it.ID, &it.OwnerID, &it.Name, &it.IsPublic, &it.TotalCost, &it.TotalDurationS, &it.ShareCode, &it.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		rows, err := tx.Query(ctx, `
			SELECT i.id, i.place_id, p.name, i.visit_date, i.transport_mode, i.sequence,
				   i.ticket_cost, i.leg_distance_m, i.leg_duration_s, i.leg_cost
			FROM itinerary_items i
			JOIN places p ON p.id = i.place_id
			WHERE i.itinerary_id = $1
			ORDER BY i.position
		`, it.ID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var item Item
			var visit *time.Time
			var mode string
			if err := rows.Scan(
				&item.ID, &item.PlaceID, &item.PlaceName, &visit, &mode, &item.Sequence,
				&item.TicketCost, &item.LegDistanceM, &item.LegDurationS, &item.LegCost,
			); err != nil {
				return err
			}
			if visit != nil {
				d := NewDate(*visit)
				item.VisitDate = &d
			}
			item.TransportMode = routing.Mode(mode)
			it.Items = append(it.Items, item)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("get itinerary: %w", err)
	}
	return &it, nil
}

// GetPlaces resolves catalog places by ID. Unknown IDs are omitted.
func (s *PostgresStore) GetPlaces(ctx context.Context, ids []string) (map[string]Place, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT id, name, category, latitude, longitude, ticket_price
		FROM places WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("get places: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Place, len(ids))
	for rows.Next() {
		p, err := scanPlace(rows)
		if err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

// ListCandidates returns places with coordinates, newest first.
func (s *PostgresStore) ListCandidates(ctx context.Context, filter CandidateFilter) ([]Place, error) {
	exclude := filter.ExcludeCategories
	if exclude == nil {
		exclude = []string{}
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 180
	}

	rows, err := s.db.Pool().Query(ctx, `
		SELECT id, name, category, latitude, longitude, ticket_price
		FROM places
		WHERE latitude IS NOT NULL AND longitude IS NOT NULL
		  AND NOT (category = ANY($1))
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, exclude, limit)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	defer rows.Close()

	var out []Place
	for rows.Next() {
		p, err := scanPlace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPlace(rows pgx.Rows) (Place, error) {
	var p Place
	err := rows.Scan(&p.ID, &p.Name, &p.Category, &p.Lat, &p.Lng, &p.TicketPrice)
	return p, err
}

func dateArg(d *Date) *time.Time {
	if d == nil {
		return nil
	}
	return &d.Time
}
