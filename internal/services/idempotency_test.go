package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
)

func TestIdempotencyGuard_CheckOrReserve(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	redisClient, redisMock := redismock.NewClientMock()
	cfg := testBillingConfig()
	guard := NewIdempotencyGuard(db, redisClient, cfg)

	t.Run("first request proceeds and marks in flight", func(t *testing.T) {
		redisMock.ExpectGet(resultKey("op-1", "s1")).RedisNil()
		mock.ExpectQuery("SELECT result FROM idempotency_records").
			WithArgs("op-1", "s1", sqlmock.AnyArg()).
			WillReturnError(sql.ErrNoRows)
		redisMock.ExpectSetNX(inflightKey("op-1", "s1"), "1", cfg.TransactionTimeout*2).SetVal(true)

		cached, err := guard.CheckOrReserve(context.Background(), "op-1", "s1")
		assert.NoError(t, err)
		assert.Nil(t, cached)
		assert.NoError(t, redisMock.ExpectationsWereMet())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("cached result from redis replays", func(t *testing.T) {
		snapshot, _ := json.Marshal(AuthorizeResult{
			Token: "tok", EstimatedCost: 3000, SessionID: "s1", OperatorID: "op-1",
		})
		redisMock.ExpectGet(resultKey("op-1", "s1")).SetVal(string(snapshot))

		cached, err := guard.CheckOrReserve(context.Background(), "op-1", "s1")
		assert.NoError(t, err)
		assert.NotNil(t, cached)
		assert.Equal(t, "tok", cached.Token)
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("falls back to the database when redis is cold", func(t *testing.T) {
		snapshot, _ := json.Marshal(AuthorizeResult{
			Token: "tok-db", EstimatedCost: 3000, SessionID: "s1", OperatorID: "op-1",
		})
		redisMock.ExpectGet(resultKey("op-1", "s1")).RedisNil()
		mock.ExpectQuery("SELECT result FROM idempotency_records").
			WithArgs("op-1", "s1", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"result"}).AddRow(snapshot))

		cached, err := guard.CheckOrReserve(context.Background(), "op-1", "s1")
		assert.NoError(t, err)
		assert.NotNil(t, cached)
		assert.Equal(t, "tok-db", cached.Token)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("concurrent duplicate fails fast", func(t *testing.T) {
		redisMock.ExpectGet(resultKey("op-1", "s2")).RedisNil()
		mock.ExpectQuery("SELECT result FROM idempotency_records").
			WithArgs("op-1", "s2", sqlmock.AnyArg()).
			WillReturnError(sql.ErrNoRows)
		redisMock.ExpectSetNX(inflightKey("op-1", "s2"), "1", cfg.TransactionTimeout*2).SetVal(false)

		cached, err := guard.CheckOrReserve(context.Background(), "op-1", "s2")
		assert.ErrorIs(t, err, ErrDuplicateInFlight)
		assert.Nil(t, cached)
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("degrades to the DB constraint without redis", func(t *testing.T) {
		bare := NewIdempotencyGuard(db, nil, cfg)
		mock.ExpectQuery("SELECT result FROM idempotency_records").
			WithArgs("op-1", "s3", sqlmock.AnyArg()).
			WillReturnError(sql.ErrNoRows)

		cached, err := bare.CheckOrReserve(context.Background(), "op-1", "s3")
		assert.NoError(t, err)
		assert.Nil(t, cached)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestIdempotencyGuard_Store(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	redisClient, redisMock := redismock.NewClientMock()
	cfg := testBillingConfig()
	guard := NewIdempotencyGuard(db, redisClient, cfg)

	result := &AuthorizeResult{
		Token: "tok", EstimatedCost: 3000, SessionID: "s1", OperatorID: "op-1",
	}
	snapshot, _ := json.Marshal(result)

	t.Run("persists and clears the in-flight marker", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO idempotency_records").
			WithArgs("op-1", "s1", snapshot, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		redisMock.ExpectSet(resultKey("op-1", "s1"), snapshot, cfg.IdempotencyTTL).SetVal("OK")
		redisMock.ExpectDel(inflightKey("op-1", "s1")).SetVal(1)

		guard.Store(context.Background(), result)
		assert.NoError(t, mock.ExpectationsWereMet())
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})
}

func TestIdempotencyGuard_Release(t *testing.T) {
	redisClient, redisMock := redismock.NewClientMock()
	guard := NewIdempotencyGuard(nil, redisClient, testBillingConfig())

	redisMock.ExpectDel(inflightKey("op-1", "s1")).SetVal(1)
	guard.Release(context.Background(), "op-1", "s1")
	assert.NoError(t, redisMock.ExpectationsWereMet())
}

func TestIdempotencyGuard_PurgeExpired(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	guard := NewIdempotencyGuard(db, nil, testBillingConfig())

	mock.ExpectExec("DELETE FROM idempotency_records").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	purged, err := guard.PurgeExpired(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, int64(3), purged)
	assert.NoError(t, mock.ExpectationsWereMet())
}
