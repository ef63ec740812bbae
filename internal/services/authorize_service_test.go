package services

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/immersepay/backend/internal/models"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func setAuthTestConfig() {
	viper.Set("argon2.time", 1)
	viper.Set("argon2.memory", 1024)
	viper.Set("argon2.threads", 1)
	viper.Set("argon2.key_length", 32)
	viper.Set("jwt.secret_key", "test-signing-key")
}

func postAuthorize(t *testing.T, svc *AuthorizeService, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/game/authorize", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	svc.Authorize(rec, req)
	return rec
}

func credentialRow(hash string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"operator_id", "secret_hash", "is_active", "is_active", "is_locked"}).
		AddRow("op-1", hash, true, true, false)
}

func TestAuthorizeService_Authorize(t *testing.T) {
	setAuthTestConfig()

	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	cfg := testBillingConfig()
	engine := NewBillingEngine(db, cfg)
	guard := NewIdempotencyGuard(db, nil, cfg)
	svc := NewAuthorizeService(db, nil, engine, guard, cfg)

	salt := []byte("0123456789abcdef")
	secretHash := HashSecret("s3cret", salt)
	apiKey := "key-1.s3cret"

	t.Run("rejects malformed body", func(t *testing.T) {
		rec := postAuthorize(t, svc, `{"api_key":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects unknown fields", func(t *testing.T) {
		rec := postAuthorize(t, svc, `{"api_key":"k.s","app_id":"a","session_id":"s","player_count":1,"bogus":true}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects missing required fields", func(t *testing.T) {
		rec := postAuthorize(t, svc, `{"app_id":"a","session_id":"s","player_count":1}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		var resp ErrorResponse
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Contains(t, resp.Details, "APIKey")
	})

	t.Run("rejects credential without key separator", func(t *testing.T) {
		rec := postAuthorize(t, svc, `{"api_key":"nodothere","app_id":"a","session_id":"s","player_count":1}`)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("rejects unknown key id", func(t *testing.T) {
		mock.ExpectQuery("SELECT k.operator_id, k.secret_hash").
			WithArgs("ghost").
			WillReturnError(sql.ErrNoRows)

		rec := postAuthorize(t, svc, `{"api_key":"ghost.s3cret","app_id":"a","session_id":"s","player_count":1}`)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects wrong secret", func(t *testing.T) {
		mock.ExpectQuery("SELECT k.operator_id, k.secret_hash").
			WithArgs("key-1").
			WillReturnRows(credentialRow(secretHash))

		rec := postAuthorize(t, svc, `{"api_key":"key-1.wrong","app_id":"a","session_id":"s","player_count":1}`)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects locked operator", func(t *testing.T) {
		mock.ExpectQuery("SELECT k.operator_id, k.secret_hash").
			WithArgs("key-1").
			WillReturnRows(sqlmock.NewRows([]string{"operator_id", "secret_hash", "is_active", "is_active", "is_locked"}).
				AddRow("op-1", secretHash, true, true, true))

		rec := postAuthorize(t, svc, `{"api_key":"key-1.s3cret","app_id":"a","session_id":"s","player_count":1}`)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects unentitled application", func(t *testing.T) {
		mock.ExpectQuery("SELECT k.operator_id, k.secret_hash").
			WithArgs("key-1").
			WillReturnRows(credentialRow(secretHash))
		mock.ExpectQuery("SELECT price_per_player_minute").
			WithArgs("op-1", "app-x").
			WillReturnError(sql.ErrNoRows)

		rec := postAuthorize(t, svc, `{"api_key":"key-1.s3cret","app_id":"app-x","session_id":"s","player_count":1}`)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects out-of-range player count", func(t *testing.T) {
		for _, count := range []int{0, -1, 17} {
			mock.ExpectQuery("SELECT k.operator_id, k.secret_hash").
				WithArgs("key-1").
				WillReturnRows(credentialRow(secretHash))
			mock.ExpectQuery("SELECT price_per_player_minute").
				WithArgs("op-1", "app-1").
				WillReturnRows(sqlmock.NewRows([]string{"price_per_player_minute"}).AddRow(3000))

			body, _ := json.Marshal(map[string]any{
				"api_key": apiKey, "app_id": "app-1", "session_id": "s", "player_count": count,
			})
			rec := postAuthorize(t, svc, string(body))
			assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "player_count=%d", count)
		}
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("accepts the maximum player count", func(t *testing.T) {
		mock.ExpectQuery("SELECT k.operator_id, k.secret_hash").
			WithArgs("key-1").
			WillReturnRows(credentialRow(secretHash))
		mock.ExpectQuery("SELECT price_per_player_minute").
			WithArgs("op-1", "app-1").
			WillReturnRows(sqlmock.NewRows([]string{"price_per_player_minute"}).AddRow(3000))
		mock.ExpectQuery("SELECT result FROM idempotency_records").
			WithArgs("op-1", "sess-full", sqlmock.AnyArg()).
			WillReturnError(sql.ErrNoRows)

		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO game_sessions").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3))
		mock.ExpectQuery("SELECT operator_id, balance, is_active, is_locked, version").
			WithArgs("op-1").
			WillReturnRows(sqlmock.NewRows([]string{"operator_id", "balance", "is_active", "is_locked", "version"}).
				AddRow("op-1", 100000, true, false, 1))
		mock.ExpectExec("UPDATE operator_accounts").
			WithArgs(int64(52000), sqlmock.AnyArg(), "op-1", 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(sqlmock.AnyArg(), "op-1", "sess-full", models.EntryReserve, int64(48000), int64(100000), int64(52000), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		mock.ExpectExec("INSERT INTO idempotency_records").
			WithArgs("op-1", "sess-full", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		rec := postAuthorize(t, svc, `{"api_key":"key-1.s3cret","app_id":"app-1","session_id":"sess-full","player_count":16}`)
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp map[string]any
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.EqualValues(t, 48000, resp["estimated_cost"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("successful authorization reserves one minute up front", func(t *testing.T) {
		mock.ExpectQuery("SELECT k.operator_id, k.secret_hash").
			WithArgs("key-1").
			WillReturnRows(credentialRow(secretHash))
		mock.ExpectQuery("SELECT price_per_player_minute").
			WithArgs("op-1", "app-1").
			WillReturnRows(sqlmock.NewRows([]string{"price_per_player_minute"}).AddRow(3000))
		mock.ExpectQuery("SELECT result FROM idempotency_records").
			WithArgs("op-1", "sess-100", sqlmock.AnyArg()).
			WillReturnError(sql.ErrNoRows)

		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO game_sessions").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
		mock.ExpectQuery("SELECT operator_id, balance, is_active, is_locked, version").
			WithArgs("op-1").
			WillReturnRows(sqlmock.NewRows([]string{"operator_id", "balance", "is_active", "is_locked", "version"}).
				AddRow("op-1", 100000, true, false, 1))
		mock.ExpectExec("UPDATE operator_accounts").
			WithArgs(int64(97000), sqlmock.AnyArg(), "op-1", 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		mock.ExpectExec("INSERT INTO idempotency_records").
			WithArgs("op-1", "sess-100", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		rec := postAuthorize(t, svc, `{"api_key":"key-1.s3cret","app_id":"app-1","session_id":"sess-100","player_count":1}`)
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp map[string]any
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.EqualValues(t, 3000, resp["estimated_cost"])
		assert.Equal(t, "sess-100", resp["session_id"])
		assert.NotEmpty(t, resp["token"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("retry replays the stored result without a second reservation", func(t *testing.T) {
		snapshot, _ := json.Marshal(AuthorizeResult{
			Token:         "cached-token",
			EstimatedCost: 3000,
			SessionID:     "sess-100",
			OperatorID:    "op-1",
		})

		mock.ExpectQuery("SELECT k.operator_id, k.secret_hash").
			WithArgs("key-1").
			WillReturnRows(credentialRow(secretHash))
		mock.ExpectQuery("SELECT price_per_player_minute").
			WithArgs("op-1", "app-1").
			WillReturnRows(sqlmock.NewRows([]string{"price_per_player_minute"}).AddRow(3000))
		mock.ExpectQuery("SELECT result FROM idempotency_records").
			WithArgs("op-1", "sess-100", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"result"}).AddRow(snapshot))

		rec := postAuthorize(t, svc, `{"api_key":"key-1.s3cret","app_id":"app-1","session_id":"sess-100","player_count":1}`)
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp map[string]any
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "cached-token", resp["token"])
		assert.EqualValues(t, 3000, resp["estimated_cost"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient balance returns 402", func(t *testing.T) {
		mock.ExpectQuery("SELECT k.operator_id, k.secret_hash").
			WithArgs("key-1").
			WillReturnRows(credentialRow(secretHash))
		mock.ExpectQuery("SELECT price_per_player_minute").
			WithArgs("op-1", "app-1").
			WillReturnRows(sqlmock.NewRows([]string{"price_per_player_minute"}).AddRow(3000))
		mock.ExpectQuery("SELECT result FROM idempotency_records").
			WillReturnError(sql.ErrNoRows)

		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO game_sessions").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(2))
		mock.ExpectQuery("SELECT operator_id, balance, is_active, is_locked, version").
			WithArgs("op-1").
			WillReturnRows(sqlmock.NewRows([]string{"operator_id", "balance", "is_active", "is_locked", "version"}).
				AddRow("op-1", 100, true, false, 1))
		mock.ExpectRollback()

		rec := postAuthorize(t, svc, `{"api_key":"key-1.s3cret","app_id":"app-1","session_id":"sess-poor","player_count":1}`)
		assert.Equal(t, http.StatusPaymentRequired, rec.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAuthorizeService_RedisFastPath(t *testing.T) {
	setAuthTestConfig()

	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	redisClient, redisMock := redismock.NewClientMock()

	cfg := testBillingConfig()
	engine := NewBillingEngine(db, cfg)
	guard := NewIdempotencyGuard(db, redisClient, cfg)
	svc := NewAuthorizeService(db, redisClient, engine, guard, cfg)

	apiKey := "key-1.s3cret"

	t.Run("concurrent duplicate is rejected as in flight", func(t *testing.T) {
		redisMock.ExpectGet(apiKeyCacheKey(apiKey)).SetVal("op-1")
		mock.ExpectQuery("SELECT price_per_player_minute").
			WithArgs("op-1", "app-1").
			WillReturnRows(sqlmock.NewRows([]string{"price_per_player_minute"}).AddRow(3000))

		redisMock.ExpectGet(resultKey("op-1", "sess-dup")).RedisNil()
		mock.ExpectQuery("SELECT result FROM idempotency_records").
			WillReturnError(sql.ErrNoRows)
		redisMock.ExpectSetNX(inflightKey("op-1", "sess-dup"), "1", cfg.TransactionTimeout*2).SetVal(false)

		rec := postAuthorize(t, svc, `{"api_key":"key-1.s3cret","app_id":"app-1","session_id":"sess-dup","player_count":1}`)
		assert.Equal(t, http.StatusConflict, rec.Code)

		var resp ErrorResponse
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Retryable)
		assert.NoError(t, mock.ExpectationsWereMet())
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("cached snapshot replays without touching the database", func(t *testing.T) {
		snapshot, _ := json.Marshal(AuthorizeResult{
			Token:         "cached-token",
			EstimatedCost: 3000,
			SessionID:     "sess-cached",
			OperatorID:    "op-1",
		})

		redisMock.ExpectGet(apiKeyCacheKey(apiKey)).SetVal("op-1")
		mock.ExpectQuery("SELECT price_per_player_minute").
			WithArgs("op-1", "app-1").
			WillReturnRows(sqlmock.NewRows([]string{"price_per_player_minute"}).AddRow(3000))
		redisMock.ExpectGet(resultKey("op-1", "sess-cached")).SetVal(string(snapshot))

		rec := postAuthorize(t, svc, `{"api_key":"key-1.s3cret","app_id":"app-1","session_id":"sess-cached","player_count":1}`)
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp map[string]any
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "cached-token", resp["token"])
		assert.NoError(t, mock.ExpectationsWereMet())
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})
}

func TestHashSecretRoundTrip(t *testing.T) {
	setAuthTestConfig()

	salt := []byte("fedcba9876543210")
	hash := HashSecret("correct horse", salt)

	assert.True(t, verifySecret("correct horse", hash))
	assert.False(t, verifySecret("wrong horse", hash))
	assert.False(t, verifySecret("correct horse", "not$even$close"))
}
