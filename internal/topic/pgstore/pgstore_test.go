package pgstore

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evochora/pipeline/internal/storage"
	"github.com/evochora/pipeline/internal/topic"
	"github.com/evochora/pipeline/internal/topic/wakeup"
	"github.com/evochora/pipeline/internal/wire"
)

type fakePayload struct{ body []byte }

func (f fakePayload) Marshal() []byte  { return f.body }
func (f fakePayload) TypeName() string { return "pipeline.test.FakePayload" }

func testEnvelope(t *testing.T, messageID string, ts int64) []byte {
	t.Helper()
	env := wire.NewEnvelope(messageID, ts, fakePayload{body: []byte{1, 2, 3}})
	return env.Marshal()
}

func newTestEngine(t *testing.T) (*Engine, sqlmock.Sqlmock, string) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sqlxDB := sqlx.NewDb(db, "postgres")
	e := New(sqlxDB, wakeup.NewRegistry(), "consumer-1", 30*time.Second)
	schema := storage.SanitizeSchemaName("run-1")
	return e, mock, schema
}

func TestSetSimulationRunCreatesSchemaAndTables(t *testing.T) {
	e, mock, schema := newTestEngine(t)

	mock.ExpectExec(regexp.QuoteMeta(`CREATE SCHEMA IF NOT EXISTS ` + pq.QuoteIdentifier(schema))).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS .*topic_messages`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS topic_messages_topic_id_idx`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS .*topic_consumer_group`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS topic_consumer_group_claim_idx`).WillReturnResult(sqlmock.NewResult(0, 0))

	err := e.SetSimulationRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetSimulationRunIsIdempotent(t *testing.T) {
	e, mock, _ := newTestEngine(t)
	mock.ExpectExec(`CREATE SCHEMA`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS .*topic_messages`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS topic_messages_topic_id_idx`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS .*topic_consumer_group`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS topic_consumer_group_claim_idx`).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, e.SetSimulationRun(context.Background(), "run-1"))
	// Second call with the same run is a no-op: no further SQL is expected.
	require.NoError(t, e.SetSimulationRun(context.Background(), "run-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetSimulationRunRejectsRebind(t *testing.T) {
	e, mock, _ := newTestEngine(t)
	mock.ExpectExec(`CREATE SCHEMA`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS .*topic_messages`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS topic_messages_topic_id_idx`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS .*topic_consumer_group`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS topic_consumer_group_claim_idx`).WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, e.SetSimulationRun(context.Background(), "run-1"))

	err := e.SetSimulationRun(context.Background(), "run-2")
	require.Error(t, err)
}

func bindSchema(t *testing.T, e *Engine, mock sqlmock.Sqlmock) {
	t.Helper()
	mock.ExpectExec(`CREATE SCHEMA`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS .*topic_messages`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS topic_messages_topic_id_idx`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS .*topic_consumer_group`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS topic_consumer_group_claim_idx`).WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, e.SetSimulationRun(context.Background(), "run-1"))
}

func TestPublishInsertsAndWakesReaders(t *testing.T) {
	e, mock, _ := newTestEngine(t)
	bindSchema(t, e, mock)

	envelope := testEnvelope(t, "msg-1", 1000)
	mock.ExpectQuery(`INSERT INTO .*topic_messages`).
		WithArgs("batch-topic", "msg-1", int64(1000), envelope).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	err := e.Publish(context.Background(), "batch-topic", envelope)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishBeforeSetSimulationRunFails(t *testing.T) {
	e, _, _ := newTestEngine(t)
	err := e.Publish(context.Background(), "batch-topic", testEnvelope(t, "msg-1", 1))
	require.Error(t, err)
}

func TestPublishRejectsUndecodableEnvelope(t *testing.T) {
	e, mock, _ := newTestEngine(t)
	bindSchema(t, e, mock)

	err := e.Publish(context.Background(), "batch-topic", []byte{0xFF, 0xFF, 0xFF})
	require.Error(t, err)
}

func TestReceiveClaimsFirstUnclaimedCandidateViaInsert(t *testing.T) {
	e, mock, _ := newTestEngine(t)
	bindSchema(t, e, mock)

	envelope := testEnvelope(t, "msg-1", 1000)
	mock.ExpectQuery(`SELECT tm.id, tm.message_id, tm.timestamp, tm.envelope`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "message_id", "timestamp", "envelope"}).
			AddRow(int64(7), "msg-1", int64(1000), envelope))
	mock.ExpectExec(`INSERT INTO .*topic_consumer_group`).
		WithArgs("batch-topic", "group-a", "msg-1", "consumer-1").
		WillReturnResult(sqlmock.NewResult(1, 1))

	msg, err := e.Receive(context.Background(), "batch-topic", "group-a", time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, int64(7), msg.RowID)
	assert.Equal(t, "msg-1", msg.MessageID)
	assert.Equal(t, 1, msg.AckToken.ClaimVersion)

	// A conflict-free claim leaves the ratio at zero.
	assert.Equal(t, float64(0), e.Metrics()["claim_conflict_ratio"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReceiveFallsBackToReclaimUpdateOnUniqueViolation(t *testing.T) {
	e, mock, _ := newTestEngine(t)
	bindSchema(t, e, mock)

	envelope := testEnvelope(t, "msg-1", 1000)
	mock.ExpectQuery(`SELECT tm.id, tm.message_id, tm.timestamp, tm.envelope`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "message_id", "timestamp", "envelope"}).
			AddRow(int64(7), "msg-1", int64(1000), envelope))
	mock.ExpectExec(`INSERT INTO .*topic_consumer_group`).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectQuery(`UPDATE .*topic_consumer_group SET claimed_by`).
		WillReturnRows(sqlmock.NewRows([]string{"claim_version"}).AddRow(2))

	msg, err := e.Receive(context.Background(), "batch-topic", "group-a", time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, 2, msg.AckToken.ClaimVersion)

	// The unique violation counts as a claim conflict: one attempt, one
	// conflict inside the metrics window.
	metrics := e.Metrics()
	assert.Equal(t, float64(1), metrics["claim_conflict_ratio"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReceiveTimesOutWithNoCandidates(t *testing.T) {
	e, mock, _ := newTestEngine(t)
	bindSchema(t, e, mock)

	mock.ExpectQuery(`SELECT tm.id, tm.message_id, tm.timestamp, tm.envelope`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "message_id", "timestamp", "envelope"}))

	msg, err := e.Receive(context.Background(), "batch-topic", "group-a", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestAckClearsClaimOnMatchingVersion(t *testing.T) {
	e, mock, _ := newTestEngine(t)
	bindSchema(t, e, mock)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT message_id FROM .*topic_messages`).
		WithArgs(int64(7), "batch-topic").
		WillReturnRows(sqlmock.NewRows([]string{"message_id"}).AddRow("msg-1"))
	mock.ExpectExec(`UPDATE .*topic_consumer_group SET acknowledged_at`).
		WithArgs("batch-topic", "group-a", "msg-1", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	msg := &topic.Message{
		RowID:     7,
		MessageID: "msg-1",
		AckToken:  topic.AckToken{RowID: 7, ClaimVersion: 1},
	}
	err := e.Ack(context.Background(), "batch-topic", "group-a", msg)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAckRejectsStaleClaimVersionAndRollsBack(t *testing.T) {
	e, mock, _ := newTestEngine(t)
	bindSchema(t, e, mock)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT message_id FROM .*topic_messages`).
		WillReturnRows(sqlmock.NewRows([]string{"message_id"}).AddRow("msg-1"))
	mock.ExpectExec(`UPDATE .*topic_consumer_group SET acknowledged_at`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	msg := &topic.Message{
		RowID:     7,
		MessageID: "msg-1",
		AckToken:  topic.AckToken{RowID: 7, ClaimVersion: 1},
	}
	err := e.Ack(context.Background(), "batch-topic", "group-a", msg)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAckRollsBackOnLookupFailure(t *testing.T) {
	e, mock, _ := newTestEngine(t)
	bindSchema(t, e, mock)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT message_id FROM .*topic_messages`).
		WillReturnError(sqlmock.ErrCancelled)
	mock.ExpectRollback()

	msg := &topic.Message{RowID: 7, AckToken: topic.AckToken{RowID: 7, ClaimVersion: 1}}
	err := e.Ack(context.Background(), "batch-topic", "group-a", msg)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCloseIsNoop(t *testing.T) {
	e, _, _ := newTestEngine(t)
	assert.NoError(t, e.Close())
}
