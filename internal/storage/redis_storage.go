package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/evse-systems/charge-point-agent/internal/config"
)

// RedisStorage is the Redis-backed Store implementation. It is the only
// place in the agent that knows the on-wire key layout.
type RedisStorage struct {
	Client *redis.Client // exported so tests can inject a redismock client
	Prefix string        // exported so tests can inject a fixed prefix
}

// NewRedisStorage dials Redis per cfg and verifies the connection with a Ping.
func NewRedisStorage(cfg config.StorageConfig) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "cpagent:"
	}
	return &RedisStorage{Client: client, Prefix: prefix}, nil
}

func (r *RedisStorage) key(parts ...string) string {
	key := r.Prefix
	for i, p := range parts {
		if i > 0 {
			key += ":"
		}
		key += p
	}
	return key
}

// fifoEntryRow is the on-wire shape of a persisted FifoEntry; the id is
// carried in the hash field, not duplicated in the value, but keeping it
// here too makes LoadFifo a single round trip without a second lookup.
type fifoEntryRow struct {
	ID          uint64          `json:"id"`
	ConnectorID uint32          `json:"connector_id"`
	Action      string          `json:"action"`
	Payload     json.RawMessage `json:"payload"`
}

// PushFifoEntry appends a new entry and records its id in the order list so
// LoadFifo can restore strict enqueue order after a restart.
func (r *RedisStorage) PushFifoEntry(ctx context.Context, connectorID uint32, action string, payload json.RawMessage) (FifoEntry, error) {
	id, err := r.Client.Incr(ctx, r.key("fifo", "seq")).Result()
	if err != nil {
		return FifoEntry{}, fmt.Errorf("allocate fifo id: %w", err)
	}

	row := fifoEntryRow{ID: uint64(id), ConnectorID: connectorID, Action: action, Payload: payload}
	raw, err := json.Marshal(row)
	if err != nil {
		return FifoEntry{}, fmt.Errorf("encode fifo entry: %w", err)
	}

	pipe := r.Client.TxPipeline()
	pipe.HSet(ctx, r.key("fifo", "entries"), fmt.Sprint(id), raw)
	pipe.RPush(ctx, r.key("fifo", "order"), row.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return FifoEntry{}, fmt.Errorf("persist fifo entry: %w", err)
	}

	return FifoEntry{ID: row.ID, ConnectorID: row.ConnectorID, Action: row.Action, Payload: row.Payload}, nil
}

// LoadFifo restores every entry in the order list, skipping any id whose
// hash entry is missing (DeleteFifoEntry removes both in one transaction, so
// this only happens if the two keys were changed outside this store).
func (r *RedisStorage) LoadFifo(ctx context.Context) ([]FifoEntry, error) {
	ids, err := r.Client.LRange(ctx, r.key("fifo", "order"), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("list fifo order: %w", err)
	}

	entries := make([]FifoEntry, 0, len(ids))
	for _, id := range ids {
		raw, err := r.Client.HGet(ctx, r.key("fifo", "entries"), id).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load fifo entry %s: %w", id, err)
		}
		var row fifoEntryRow
		if err := json.Unmarshal([]byte(raw), &row); err != nil {
			return nil, fmt.Errorf("decode fifo entry %s: %w", id, err)
		}
		entries = append(entries, FifoEntry{ID: row.ID, ConnectorID: row.ConnectorID, Action: row.Action, Payload: row.Payload})
	}
	return entries, nil
}

// UpdateFifoPayload rewrites an entry's payload in place, preserving its
// position in the order list.
func (r *RedisStorage) UpdateFifoPayload(ctx context.Context, id uint64, payload json.RawMessage) error {
	field := fmt.Sprint(id)
	raw, err := r.Client.HGet(ctx, r.key("fifo", "entries"), field).Result()
	if err != nil {
		return fmt.Errorf("load fifo entry %d: %w", id, err)
	}
	var row fifoEntryRow
	if err := json.Unmarshal([]byte(raw), &row); err != nil {
		return fmt.Errorf("decode fifo entry %d: %w", id, err)
	}
	row.Payload = payload
	updated, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode fifo entry %d: %w", id, err)
	}
	return r.Client.HSet(ctx, r.key("fifo", "entries"), field, updated).Err()
}

// DeleteFifoEntry removes an entry from both the hash and the order list.
func (r *RedisStorage) DeleteFifoEntry(ctx context.Context, id uint64) error {
	field := fmt.Sprint(id)
	pipe := r.Client.TxPipeline()
	pipe.HDel(ctx, r.key("fifo", "entries"), field)
	pipe.LRem(ctx, r.key("fifo", "order"), 1, id)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete fifo entry %d: %w", id, err)
	}
	return nil
}

type meterValueRow struct {
	ID         uint64          `json:"id"`
	MeterValue json.RawMessage `json:"meter_value"`
}

// AppendTxMeterValue pushes a sample onto the transaction's list and
// registers the transaction id so reconciliation can enumerate it.
func (r *RedisStorage) AppendTxMeterValue(ctx context.Context, transactionID string, meterValue json.RawMessage) error {
	id, err := r.Client.Incr(ctx, r.key("txmv", "seq")).Result()
	if err != nil {
		return fmt.Errorf("allocate meter value id: %w", err)
	}
	raw, err := json.Marshal(meterValueRow{ID: uint64(id), MeterValue: meterValue})
	if err != nil {
		return fmt.Errorf("encode meter value: %w", err)
	}

	pipe := r.Client.TxPipeline()
	pipe.RPush(ctx, r.key("txmv", "values", transactionID), raw)
	pipe.SAdd(ctx, r.key("txmv", "transactions"), transactionID)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("persist meter value: %w", err)
	}
	return nil
}

// LoadTxMeterValues returns every sample recorded for a transaction, in
// recording order.
func (r *RedisStorage) LoadTxMeterValues(ctx context.Context, transactionID string) ([]MeterValueRecord, error) {
	raws, err := r.Client.LRange(ctx, r.key("txmv", "values", transactionID), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("list meter values for %s: %w", transactionID, err)
	}
	records := make([]MeterValueRecord, 0, len(raws))
	for _, raw := range raws {
		var row meterValueRow
		if err := json.Unmarshal([]byte(raw), &row); err != nil {
			return nil, fmt.Errorf("decode meter value for %s: %w", transactionID, err)
		}
		records = append(records, MeterValueRecord{ID: row.ID, TransactionID: transactionID, MeterValue: row.MeterValue})
	}
	return records, nil
}

// DeleteTxMeterValues drops every row for a transaction, called once the
// values have been handed off to a StopTransaction request.
func (r *RedisStorage) DeleteTxMeterValues(ctx context.Context, transactionID string) error {
	pipe := r.Client.TxPipeline()
	pipe.Del(ctx, r.key("txmv", "values", transactionID))
	pipe.SRem(ctx, r.key("txmv", "transactions"), transactionID)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete meter values for %s: %w", transactionID, err)
	}
	return nil
}

// TxMeterValueTransactions lists every transaction id currently holding
// rows, for the startup reconciliation pass that drops orphaned entries.
func (r *RedisStorage) TxMeterValueTransactions(ctx context.Context) ([]string, error) {
	ids, err := r.Client.SMembers(ctx, r.key("txmv", "transactions")).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("list meter value transactions: %w", err)
	}
	return ids, nil
}

// SaveEvse upserts a 2.0.1 EVSE's persisted state into the evses hash.
func (r *RedisStorage) SaveEvse(ctx context.Context, evse EvseRecord) error {
	raw, err := json.Marshal(evse)
	if err != nil {
		return fmt.Errorf("encode evse %d: %w", evse.ID, err)
	}
	return r.Client.HSet(ctx, r.key("evses"), fmt.Sprint(evse.ID), raw).Err()
}

// LoadEvses restores every persisted EVSE.
func (r *RedisStorage) LoadEvses(ctx context.Context) ([]EvseRecord, error) {
	rows, err := r.Client.HGetAll(ctx, r.key("evses")).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("list evses: %w", err)
	}
	evses := make([]EvseRecord, 0, len(rows))
	for id, raw := range rows {
		var evse EvseRecord
		if err := json.Unmarshal([]byte(raw), &evse); err != nil {
			return nil, fmt.Errorf("decode evse %s: %w", id, err)
		}
		evses = append(evses, evse)
	}
	return evses, nil
}

// SaveConnector upserts a 2.0.1 Connector's persisted state, scoped to its
// owning EVSE's hash.
func (r *RedisStorage) SaveConnector(ctx context.Context, connector ConnectorRecord) error {
	raw, err := json.Marshal(connector)
	if err != nil {
		return fmt.Errorf("encode connector %d/%d: %w", connector.EvseID, connector.ID, err)
	}
	return r.Client.HSet(ctx, r.key("connectors", fmt.Sprint(connector.EvseID)), fmt.Sprint(connector.ID), raw).Err()
}

// LoadConnectors restores every Connector belonging to an EVSE.
func (r *RedisStorage) LoadConnectors(ctx context.Context, evseID uint32) ([]ConnectorRecord, error) {
	rows, err := r.Client.HGetAll(ctx, r.key("connectors", fmt.Sprint(evseID))).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("list connectors for evse %d: %w", evseID, err)
	}
	connectors := make([]ConnectorRecord, 0, len(rows))
	for id, raw := range rows {
		var connector ConnectorRecord
		if err := json.Unmarshal([]byte(raw), &connector); err != nil {
			return nil, fmt.Errorf("decode connector %s of evse %d: %w", id, evseID, err)
		}
		connectors = append(connectors, connector)
	}
	return connectors, nil
}

// SetValue writes a key in the internal key/value store.
func (r *RedisStorage) SetValue(ctx context.Context, key, value string) error {
	return r.Client.HSet(ctx, r.key("kv"), key, value).Err()
}

// GetValue reads a key from the internal key/value store, returning
// ErrKeyNotFound if it was never set.
func (r *RedisStorage) GetValue(ctx context.Context, key string) (string, error) {
	val, err := r.Client.HGet(ctx, r.key("kv"), key).Result()
	if err == redis.Nil {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get value %s: %w", key, err)
	}
	return val, nil
}

// SetRebootRequired records whether a configuration key has a write pending
// a reboot to take effect.
func (r *RedisStorage) SetRebootRequired(ctx context.Context, configKey string, required bool) error {
	value := "0"
	if required {
		value = "1"
	}
	return r.Client.HSet(ctx, r.key("reboot_required"), configKey, value).Err()
}

// IsRebootRequired reports whether a configuration key has a pending
// reboot-required write. Unset keys report false, not an error.
func (r *RedisStorage) IsRebootRequired(ctx context.Context, configKey string) (bool, error) {
	val, err := r.Client.HGet(ctx, r.key("reboot_required"), configKey).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get reboot required %s: %w", configKey, err)
	}
	return val == "1", nil
}

// Close releases the underlying Redis connection pool.
func (r *RedisStorage) Close() error {
	return r.Client.Close()
}
