package storage_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evse-systems/charge-point-agent/internal/config"
	"github.com/evse-systems/charge-point-agent/internal/storage"
)

func TestNewRedisStorage(t *testing.T) {
	cfg := config.StorageConfig{
		Addr:      "localhost:6379", // NewRedisStorage pings this address, so a live Redis is needed here
		Password:  "",
		DB:        0,
		KeyPrefix: "cpagent:",
	}

	store, err := storage.NewRedisStorage(cfg)
	require.NoError(t, err)
	assert.NotNil(t, store)
	assert.NotNil(t, store.Client)

	require.NoError(t, store.Close())
}

func TestRedisStorage_PushLoadDeleteFifoEntry(t *testing.T) {
	db, mock := redismock.NewClientMock()
	rdb := &storage.RedisStorage{Client: db, Prefix: "cpagent:"}
	ctx := context.Background()

	payload := json.RawMessage(`{"connectorId":1}`)
	row := `{"id":1,"connector_id":1,"action":"StartTransaction","payload":{"connectorId":1}}`

	mock.ExpectIncr("cpagent:fifo:seq").SetVal(1)
	mock.ExpectTxPipeline()
	mock.ExpectHSet("cpagent:fifo:entries", "1", []byte(row)).SetVal(1)
	mock.ExpectRPush("cpagent:fifo:order", uint64(1)).SetVal(1)
	mock.ExpectTxPipelineExec()

	entry, err := rdb.PushFifoEntry(ctx, 1, "StartTransaction", payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), entry.ID)
	assert.Equal(t, "StartTransaction", entry.Action)

	mock.ExpectLRange("cpagent:fifo:order", 0, -1).SetVal([]string{"1"})
	mock.ExpectHGet("cpagent:fifo:entries", "1").SetVal(row)

	entries, err := rdb.LoadFifo(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint32(1), entries[0].ConnectorID)

	mock.ExpectTxPipeline()
	mock.ExpectHDel("cpagent:fifo:entries", "1").SetVal(1)
	mock.ExpectLRem("cpagent:fifo:order", int64(1), uint64(1)).SetVal(1)
	mock.ExpectTxPipelineExec()

	require.NoError(t, rdb.DeleteFifoEntry(ctx, 1))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStorage_SetGetValue(t *testing.T) {
	db, mock := redismock.NewClientMock()
	rdb := &storage.RedisStorage{Client: db, Prefix: "cpagent:"}
	ctx := context.Background()

	mock.ExpectHSet("cpagent:kv", "LastRegistrationStatus", "Accepted").SetVal(1)
	require.NoError(t, rdb.SetValue(ctx, "LastRegistrationStatus", "Accepted"))

	mock.ExpectHGet("cpagent:kv", "LastRegistrationStatus").SetVal("Accepted")
	val, err := rdb.GetValue(ctx, "LastRegistrationStatus")
	require.NoError(t, err)
	assert.Equal(t, "Accepted", val)

	mock.ExpectHGet("cpagent:kv", "SignedFwUpdateId").RedisNil()
	_, err = rdb.GetValue(ctx, "SignedFwUpdateId")
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStorage_RebootRequired(t *testing.T) {
	db, mock := redismock.NewClientMock()
	rdb := &storage.RedisStorage{Client: db, Prefix: "cpagent:"}
	ctx := context.Background()

	mock.ExpectHSet("cpagent:reboot_required", "HeartbeatInterval", "1").SetVal(1)
	require.NoError(t, rdb.SetRebootRequired(ctx, "HeartbeatInterval", true))

	mock.ExpectHGet("cpagent:reboot_required", "HeartbeatInterval").SetVal("1")
	required, err := rdb.IsRebootRequired(ctx, "HeartbeatInterval")
	require.NoError(t, err)
	assert.True(t, required)

	mock.ExpectHGet("cpagent:reboot_required", "ConnectionTimeOut").RedisNil()
	required, err = rdb.IsRebootRequired(ctx, "ConnectionTimeOut")
	require.NoError(t, err)
	assert.False(t, required)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStorage_TxMeterValues(t *testing.T) {
	db, mock := redismock.NewClientMock()
	rdb := &storage.RedisStorage{Client: db, Prefix: "cpagent:"}
	ctx := context.Background()

	meterValue := json.RawMessage(`{"timestamp":"2026-07-30T00:00:00Z"}`)
	row := `{"id":1,"meter_value":{"timestamp":"2026-07-30T00:00:00Z"}}`

	mock.ExpectIncr("cpagent:txmv:seq").SetVal(1)
	mock.ExpectTxPipeline()
	mock.ExpectRPush("cpagent:txmv:values:42", []byte(row)).SetVal(1)
	mock.ExpectSAdd("cpagent:txmv:transactions", "42").SetVal(1)
	mock.ExpectTxPipelineExec()

	require.NoError(t, rdb.AppendTxMeterValue(ctx, "42", meterValue))

	mock.ExpectLRange("cpagent:txmv:values:42", 0, -1).SetVal([]string{row})
	records, err := rdb.LoadTxMeterValues(ctx, "42")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "42", records[0].TransactionID)

	mock.ExpectTxPipeline()
	mock.ExpectDel("cpagent:txmv:values:42").SetVal(1)
	mock.ExpectSRem("cpagent:txmv:transactions", "42").SetVal(1)
	mock.ExpectTxPipelineExec()

	require.NoError(t, rdb.DeleteTxMeterValues(ctx, "42"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStorage_PushFifoEntry_IncrError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	rdb := &storage.RedisStorage{Client: db, Prefix: "cpagent:"}
	ctx := context.Background()

	expectedErr := errors.New("redis incr error")
	mock.ExpectIncr("cpagent:fifo:seq").SetErr(expectedErr)

	_, err := rdb.PushFifoEntry(ctx, 1, "Heartbeat", nil)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStorage_Close(t *testing.T) {
	db, mock := redismock.NewClientMock()
	rdb := &storage.RedisStorage{Client: db, Prefix: "cpagent:"}

	err := rdb.Close()
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
