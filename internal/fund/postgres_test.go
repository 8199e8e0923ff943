package fund

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripfund/internal/common/database"
	"tripfund/migrations"
)

func newPostgresStore(t *testing.T) (*PostgresStore, *database.DB) {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	require.NoError(t, database.Migrate(migrations.FS, url, logger))
	db, err := database.New(context.Background(), database.Config{URL: url, MaxConns: 4, MinConns: 1}, logger)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return NewPostgresStore(db), db
}

func seedItinerary(t *testing.T, db *database.DB) string {
	t.Helper()
	id := ulid.Make().String()
	_, err := db.Pool().Exec(context.Background(),
		`INSERT INTO itineraries (id, owner_id, name, share_code) VALUES ($1, 'u1', 'test', $2)`,
		id, id[len(id)-12:])
	require.NoError(t, err)
	return id
}

func TestPostgresListInvoicesPaginated(t *testing.T) {
	store, db := newPostgresStore(t)
	ctx := context.Background()

	f, created, err := store.GetOrCreateFund(ctx, seedItinerary(t, db), 100000)
	require.NoError(t, err)
	assert.True(t, created)

	for _, amount := range []int64{1000, 2000, 3000} {
		inv, err := NewInvoice(f.ID, "ticket", amount, "u1")
		require.NoError(t, err)
		require.NoError(t, store.CreateInvoice(ctx, inv))
	}

	first, total, err := store.ListInvoices(ctx, f.ID, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, first, 2)

	rest, total, err := store.ListInvoices(ctx, f.ID, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, rest, 1)
	assert.NotEqual(t, first[0].ID, rest[0].ID)
	assert.NotEqual(t, first[1].ID, rest[0].ID)
}

func TestPostgresFundLockDebit(t *testing.T) {
	store, db := newPostgresStore(t)
	ctx := context.Background()

	f, _, err := store.GetOrCreateFund(ctx, seedItinerary(t, db), 100000)
	require.NoError(t, err)

	err = store.WithFundLock(ctx, f.ID, func(tx Tx) error {
		locked := tx.Fund()
		if err := locked.Credit(5000); err != nil {
			return err
		}
		return locked.Debit(7000)
	})
	var insufficient *InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)

	got, err := store.GetFundByItinerary(ctx, f.ItineraryID)
	require.NoError(t, err)
	assert.Zero(t, got.Contributed)
	assert.Zero(t, got.Spent)
}
