package storage

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/appstore/internal/core/domain"
	"github.com/rl1809/appstore/internal/port"
)

const (
	transferKeyPrefix = "transfer:"
	creditsKeyPrefix  = "credits:"
)

// creditScript applies a credit at most once per transfer id.
var creditScript = redis.NewScript(`
local applied = redis.call('SET', KEYS[1], ARGV[1], 'NX')
if not applied then
	return 0
end

redis.call('RPUSH', KEYS[2], ARGV[2])
return 1
`)

// RedisWallet records executed transfers in Redis. Each recipient has a list
// of credited amounts; amounts are kept as decimal strings since they exceed
// Redis integer range.
type RedisWallet struct {
	client *redis.Client
}

func NewRedisWallet(client *redis.Client) *RedisWallet {
	return &RedisWallet{client: client}
}

// Credit refuses a transfer that would push the recipient's balance past
// 128 bits. The check reads the balance before the script runs, so two
// concurrent credits can still overshoot; Balance then reports an error.
func (r *RedisWallet) Credit(ctx context.Context, transfer domain.Transfer) (bool, error) {
	balance, err := r.Balance(ctx, transfer.Recipient)
	if err != nil {
		return false, fmt.Errorf("credit %s: %w", transfer.ID, err)
	}
	if _, err := balance.TryAdd(transfer.Amount); err != nil {
		applied, existsErr := r.client.Exists(ctx, transferKeyPrefix+transfer.ID).Result()
		if existsErr != nil {
			return false, fmt.Errorf("credit %s: %w", transfer.ID, existsErr)
		}
		if applied == 1 {
			return false, nil
		}
		return false, fmt.Errorf("credit %s to %s: %w", transfer.ID, transfer.Recipient, err)
	}

	keys := []string{
		transferKeyPrefix + transfer.ID,
		creditsKeyPrefix + string(transfer.Recipient),
	}
	result, err := creditScript.Run(ctx, r.client, keys, string(transfer.Recipient), transfer.Amount.String()).Int()
	if err != nil {
		return false, fmt.Errorf("credit %s: %w", transfer.ID, err)
	}
	return result == 1, nil
}

func (r *RedisWallet) Balance(ctx context.Context, identity domain.Identity) (domain.Amount, error) {
	credits, err := r.client.LRange(ctx, creditsKeyPrefix+string(identity), 0, -1).Result()
	if err != nil {
		return domain.Amount{}, fmt.Errorf("balance of %s: %w", identity, err)
	}
	var total domain.Amount
	for _, raw := range credits {
		amount, err := domain.ParseAmount(raw)
		if err != nil {
			return domain.Amount{}, fmt.Errorf("balance of %s: %w", identity, err)
		}
		if total, err = total.TryAdd(amount); err != nil {
			return domain.Amount{}, fmt.Errorf("balance of %s: %w", identity, err)
		}
	}
	return total, nil
}

var _ port.Wallet = (*RedisWallet)(nil)
