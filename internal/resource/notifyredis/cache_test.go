package notifyredis

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evochora/pipeline/internal/storage"
)

type fakeStore struct {
	ids []string
	err error
}

func (f *fakeStore) WriteMessage(key string, payload []byte) error { return nil }
func (f *fakeStore) ReadMessage(key string) ([]byte, error)        { return nil, storage.ErrNotFound }
func (f *fakeStore) ListRunIds(afterUnixMs int64) ([]string, error) {
	return f.ids, f.err
}

func TestListRunIdsServesFromCacheOnHit(t *testing.T) {
	client, mock := redismock.NewClientMock()
	underlying := &fakeStore{ids: []string{"should-not-be-used"}}
	c := New(underlying, client, time.Minute)

	cached := []string{"run-1", "run-2"}
	data, err := json.Marshal(cached)
	require.NoError(t, err)
	mock.ExpectGet(c.cacheKey(0)).SetVal(string(data))

	ids, err := c.ListRunIds(0)
	require.NoError(t, err)
	assert.Equal(t, cached, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListRunIdsFallsBackToStoreOnCacheMiss(t *testing.T) {
	client, mock := redismock.NewClientMock()
	underlying := &fakeStore{ids: []string{"run-fresh"}}
	c := New(underlying, client, time.Minute)

	mock.ExpectGet(c.cacheKey(0)).RedisNil()
	mock.ExpectSet(c.cacheKey(0), []byte(`["run-fresh"]`), time.Minute).SetVal("OK")

	ids, err := c.ListRunIds(0)
	require.NoError(t, err)
	assert.Equal(t, []string{"run-fresh"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListRunIdsSurvivesRedisSetFailure(t *testing.T) {
	client, mock := redismock.NewClientMock()
	underlying := &fakeStore{ids: []string{"run-fresh"}}
	c := New(underlying, client, time.Minute)

	mock.ExpectGet(c.cacheKey(0)).RedisNil()
	mock.ExpectSet(c.cacheKey(0), []byte(`["run-fresh"]`), time.Minute).SetErr(errors.New("redis unavailable"))

	ids, err := c.ListRunIds(0)
	require.NoError(t, err)
	assert.Equal(t, []string{"run-fresh"}, ids)
}

func TestListRunIdsPropagatesUnderlyingStoreError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	boom := errors.New("store unavailable")
	underlying := &fakeStore{err: boom}
	c := New(underlying, client, time.Minute)

	mock.ExpectGet(c.cacheKey(0)).RedisNil()

	_, err := c.ListRunIds(0)
	require.Error(t, err)
}
