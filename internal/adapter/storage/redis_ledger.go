package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/retail-stock/internal/core/domain"
)

const (
	stockKeyPrefix     = "stock:"
	operationKeyPrefix = "stockop:"
)

// Script results.
const (
	scriptNotFound     = -1
	scriptInsufficient = 0
	scriptApplied      = 1
	scriptReplay       = 2
	scriptVoided       = 3
	scriptMismatch     = 4
)

var reserveScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[2])
if existing then
	return {2, existing}
end

local current = redis.call('GET', KEYS[1])
if not current then
	return {-1, ''}
end

current = tonumber(current)
local quantity = tonumber(ARGV[1])
if current < quantity then
	return {0, tostring(current)}
end

local remaining = redis.call('DECRBY', KEYS[1], quantity)
local rec = cjson.encode({kind = 'reserve', storeId = ARGV[2], productId = ARGV[3],
	quantity = quantity, result = remaining, status = 'applied'})
redis.call('SET', KEYS[2], rec, 'EX', ARGV[4])
return {1, rec}
`)

var restoreScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[2])
if existing then
	return {2, existing}
end

local current = redis.call('GET', KEYS[1])
if not current then
	return {-1, ''}
end

local quantity = tonumber(ARGV[1])
local kind = ARGV[5]

if kind == 'release' then
	local target = redis.call('GET', KEYS[3])
	local voided = false
	if not target then
		redis.call('SET', KEYS[3], cjson.encode({kind = 'reserve', storeId = ARGV[2], productId = ARGV[3],
			quantity = quantity, result = tonumber(current), status = 'voided'}), 'EX', ARGV[4])
		voided = true
	else
		local t = cjson.decode(target)
		if t.kind ~= 'reserve' or t.storeId ~= ARGV[2] or t.productId ~= ARGV[3] or tonumber(t.quantity) ~= quantity then
			return {4, target}
		end
		voided = t.status ~= 'applied'
		if not voided then
			t.status = 'released'
			redis.call('SET', KEYS[3], cjson.encode(t), 'KEEPTTL')
		end
	end
	if voided then
		local rec = cjson.encode({kind = kind, storeId = ARGV[2], productId = ARGV[3],
			quantity = quantity, result = tonumber(current), status = 'voided'})
		redis.call('SET', KEYS[2], rec, 'EX', ARGV[4])
		return {3, rec}
	end
end

local updated = redis.call('INCRBY', KEYS[1], quantity)
local rec = cjson.encode({kind = kind, storeId = ARGV[2], productId = ARGV[3],
	quantity = quantity, result = updated, status = 'applied'})
redis.call('SET', KEYS[2], rec, 'EX', ARGV[4])
return {1, rec}
`)

var adjustScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
	return {-1, 0}
end

local delta = tonumber(ARGV[1])
if tonumber(current) + delta < 0 then
	return {0, tonumber(current)}
end

return {1, redis.call('INCRBY', KEYS[1], delta)}
`)

type redisOperation struct {
	Kind      domain.IntentKind      `json:"kind"`
	StoreID   string                 `json:"storeId"`
	ProductID string                 `json:"productId"`
	Quantity  int                    `json:"quantity"`
	Result    int                    `json:"result"`
	Status    domain.OperationStatus `json:"status"`
}

func (o redisOperation) record(operationID string) *domain.OperationRecord {
	return &domain.OperationRecord{
		Intent: domain.ReservationIntent{
			OperationID: operationID,
			StoreID:     o.StoreID,
			ProductID:   o.ProductID,
			Quantity:    o.Quantity,
			Kind:        o.Kind,
		},
		Result: o.Result,
		Status: o.Status,
	}
}

// RedisLedger keeps stock counters and idempotency records in Redis. Each
// mutation is one Lua script, so the check, the counter update and the
// operation record are atomic. Retention is the record TTL.
type RedisLedger struct {
	client    *redis.Client
	retention time.Duration
}

func NewRedisLedger(client *redis.Client, retention time.Duration) *RedisLedger {
	return &RedisLedger{client: client, retention: retention}
}

// stockKey escapes both ids so a ':' inside one cannot shift the split in
// parseStockKey.
func stockKey(storeID, productID string) string {
	return stockKeyPrefix + url.QueryEscape(storeID) + ":" + url.QueryEscape(productID)
}

func parseStockKey(key string) (storeID, productID string, err error) {
	store, product, ok := strings.Cut(strings.TrimPrefix(key, stockKeyPrefix), ":")
	if !ok {
		return "", "", fmt.Errorf("malformed stock key %q", key)
	}
	if storeID, err = url.QueryUnescape(store); err != nil {
		return "", "", fmt.Errorf("stock key %q: %w", key, err)
	}
	if productID, err = url.QueryUnescape(product); err != nil {
		return "", "", fmt.Errorf("stock key %q: %w", key, err)
	}
	return storeID, productID, nil
}

func operationKey(operationID string) string {
	return operationKeyPrefix + operationID
}

func (r *RedisLedger) ttlSeconds() int {
	secs := int(r.retention / time.Second)
	if secs <= 0 {
		secs = int((24 * time.Hour) / time.Second)
	}
	return secs
}

func (r *RedisLedger) Reserve(ctx context.Context, intent domain.ReservationIntent) (domain.MutationResult, error) {
	res, err := reserveScript.Run(ctx, r.client,
		[]string{stockKey(intent.StoreID, intent.ProductID), operationKey(intent.OperationID)},
		intent.Quantity, intent.StoreID, intent.ProductID, r.ttlSeconds(),
	).Slice()
	if err != nil {
		return domain.MutationResult{}, fmt.Errorf("reserve script: %w", err)
	}
	return r.interpret(intent, res)
}

func (r *RedisLedger) Restore(ctx context.Context, intent domain.ReservationIntent) (domain.MutationResult, error) {
	compensates := intent.Compensates
	if compensates == "" {
		compensates = intent.OperationID
	}
	res, err := restoreScript.Run(ctx, r.client,
		[]string{stockKey(intent.StoreID, intent.ProductID), operationKey(intent.OperationID), operationKey(compensates)},
		intent.Quantity, intent.StoreID, intent.ProductID, r.ttlSeconds(), string(intent.Kind),
	).Slice()
	if err != nil {
		return domain.MutationResult{}, fmt.Errorf("restore script: %w", err)
	}
	return r.interpret(intent, res)
}

func (r *RedisLedger) interpret(intent domain.ReservationIntent, res []interface{}) (domain.MutationResult, error) {
	if len(res) != 2 {
		return domain.MutationResult{}, fmt.Errorf("unexpected script result %v", res)
	}
	code, _ := res[0].(int64)
	payload, _ := res[1].(string)

	switch code {
	case scriptNotFound:
		return domain.MutationResult{}, fmt.Errorf("%w: stock %s/%s", domain.ErrNotFound, intent.StoreID, intent.ProductID)
	case scriptInsufficient:
		return domain.MutationResult{}, fmt.Errorf("%w: stock %s/%s", domain.ErrInsufficientStock, intent.StoreID, intent.ProductID)
	case scriptMismatch:
		var target redisOperation
		if err := json.Unmarshal([]byte(payload), &target); err != nil {
			return domain.MutationResult{}, fmt.Errorf("decode operation: %w", err)
		}
		return domain.MutationResult{}, checkCompensationTarget(target.record(intent.Compensates), intent)
	}

	var op redisOperation
	if err := json.Unmarshal([]byte(payload), &op); err != nil {
		return domain.MutationResult{}, fmt.Errorf("decode operation: %w", err)
	}
	switch code {
	case scriptReplay:
		return replay(op.record(intent.OperationID), intent)
	case scriptApplied, scriptVoided:
		return domain.MutationResult{
			OperationID: intent.OperationID,
			Quantity:    op.Result,
			Voided:      code == scriptVoided,
		}, nil
	}
	return domain.MutationResult{}, fmt.Errorf("unexpected script code %d", code)
}

func (r *RedisLedger) Adjust(ctx context.Context, storeID, productID string, delta int) (domain.StockRecord, error) {
	res, err := adjustScript.Run(ctx, r.client, []string{stockKey(storeID, productID)}, delta).Int64Slice()
	if err != nil {
		return domain.StockRecord{}, fmt.Errorf("adjust script: %w", err)
	}
	switch res[0] {
	case scriptNotFound:
		return domain.StockRecord{}, fmt.Errorf("%w: stock %s/%s", domain.ErrNotFound, storeID, productID)
	case scriptInsufficient:
		return domain.StockRecord{}, fmt.Errorf("%w: stock %s/%s", domain.ErrInsufficientStock, storeID, productID)
	}
	return domain.StockRecord{StoreID: storeID, ProductID: productID, Quantity: int(res[1])}, nil
}

func (r *RedisLedger) Provision(ctx context.Context, storeID, productID string, quantity int) (domain.StockRecord, error) {
	if quantity < 0 {
		return domain.StockRecord{}, fmt.Errorf("%w: quantity must not be negative", domain.ErrInvalidRequest)
	}
	if err := r.client.Set(ctx, stockKey(storeID, productID), quantity, 0).Err(); err != nil {
		return domain.StockRecord{}, err
	}
	return domain.StockRecord{StoreID: storeID, ProductID: productID, Quantity: quantity}, nil
}

func (r *RedisLedger) GetStock(ctx context.Context, storeID, productID string) (domain.StockRecord, error) {
	quantity, err := r.client.Get(ctx, stockKey(storeID, productID)).Int()
	if errors.Is(err, redis.Nil) {
		return domain.StockRecord{}, fmt.Errorf("%w: stock %s/%s", domain.ErrNotFound, storeID, productID)
	}
	if err != nil {
		return domain.StockRecord{}, err
	}
	return domain.StockRecord{StoreID: storeID, ProductID: productID, Quantity: quantity}, nil
}

func (r *RedisLedger) FindLowStock(ctx context.Context, threshold int) ([]domain.StockRecord, error) {
	records := []domain.StockRecord{}
	iter := r.client.Scan(ctx, 0, stockKeyPrefix+"*", scanBatch).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return records, nil
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		quantity, err := strconv.Atoi(s)
		if err != nil || quantity > threshold {
			continue
		}
		storeID, productID, err := parseStockKey(keys[i])
		if err != nil {
			continue
		}
		records = append(records, domain.StockRecord{StoreID: storeID, ProductID: productID, Quantity: quantity})
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].StoreID != records[j].StoreID {
			return records[i].StoreID < records[j].StoreID
		}
		return records[i].ProductID < records[j].ProductID
	})
	return records, nil
}

// PurgeOperations is a no-op: operation records expire through their TTL.
func (r *RedisLedger) PurgeOperations(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}
