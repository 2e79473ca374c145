package redis

import (
	"context"
	"strconv"

	redis "github.com/redis/go-redis/v9"
)

// Remove all states last saved before the given time together with their definitions
// KEYS[1] - states-by-save key
// ARGV[1] - key prefix
// ARGV[2] - cutoff in unix milliseconds, exclusive
var removeStatesCmd = redis.NewScript(
	`local ids = redis.call("ZRANGE", KEYS[1], "-inf", "(" .. ARGV[2], "BYSCORE")
	local removed = 0
	for i = 1, #ids do
		removed = removed + redis.call("DEL", ARGV[1] .. "state:" .. ids[i])
		redis.call("DEL", ARGV[1] .. "definition:" .. ids[i])
		redis.call("ZREM", KEYS[1], ids[i])
	end

	return removed
	`,
)

func (rb *redisBackend) removeStatesBefore(ctx context.Context, cutoffMillis int64) (int, error) {
	n, err := removeStatesCmd.Run(ctx, rb.rdb, []string{rb.keys.statesBySave()},
		rb.keys.prefix,
		strconv.FormatInt(cutoffMillis, 10),
	).Int()
	if err != nil {
		return 0, err
	}

	return n, nil
}
