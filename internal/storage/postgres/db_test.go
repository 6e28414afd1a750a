package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

func TestTxManagerCommitsAndJoins(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1700000000, 0).UTC()
	tx := NewTxManager(mock)
	frontierStore := NewFrontierStore(mock)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE frontier SET lease_until = NULL`).
		WithArgs(now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE frontier SET lease_until = NULL`).
		WithArgs(now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectCommit()

	err = tx.WithTx(context.Background(), func(ctx context.Context) error {
		if _, err := frontierStore.ClearExpiredLeases(ctx, now); err != nil {
			return err
		}
		return tx.WithTx(ctx, func(ctx context.Context) error {
			_, err := frontierStore.ClearExpiredLeases(ctx, now)
			return err
		})
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTxManagerRollsBackOnError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	boom := errors.New("boom")
	mock.ExpectBegin()
	mock.ExpectRollback()

	err = NewTxManager(mock).WithTx(context.Background(), func(context.Context) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTxManagerIndependentTxCommitsDespiteOuterRollback(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1700000000, 0).UTC()
	tx := NewTxManager(mock)
	frontierStore := NewFrontierStore(mock)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE frontier SET lease_until = NULL`).
		WithArgs(now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	err = tx.WithTx(context.Background(), func(ctx context.Context) error {
		releaseErr := tx.WithIndependentTx(ctx, func(ctx context.Context) error {
			_, err := frontierStore.ClearExpiredLeases(ctx, now)
			return err
		})
		require.NoError(t, releaseErr)
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTxManagerSavepointRollsBackOnlyNestedWork(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1700000000, 0).UTC()
	tx := NewTxManager(mock)
	frontierStore := NewFrontierStore(mock)
	blip := errors.New("blip")

	mock.ExpectBegin()
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE frontier SET lease_until = NULL`).
		WithArgs(now).
		WillReturnError(blip)
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE frontier SET lease_until = NULL`).
		WithArgs(now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectCommit()
	mock.ExpectCommit()

	err = tx.WithTx(context.Background(), func(ctx context.Context) error {
		first := tx.WithSavepoint(ctx, func(ctx context.Context) error {
			_, err := frontierStore.ClearExpiredLeases(ctx, now)
			return err
		})
		require.ErrorIs(t, first, blip)
		return tx.WithSavepoint(ctx, func(ctx context.Context) error {
			_, err := frontierStore.ClearExpiredLeases(ctx, now)
			return err
		})
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), PoolConfig{})
	require.ErrorContains(t, err, "database.dsn is required")
}
