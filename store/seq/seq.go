package seq

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"studybuddy/tools/errs"
)

// In-segment issue: KEYS[1]=key; ARGV[1]=need; ARGV[2]=segEnd; ARGV[3]=nowMs
// Returns {0,start,0,end,nowMs} on success; {1} when the segment hash is
// missing; {3,curr,end,0,nowMs} when exhausted or stale.
var luaInSegment = redis.NewScript(`
  local k = KEYS[1]
  local need = tonumber(ARGV[1])
  local segEnd = tonumber(ARGV[2])
  local nowms = tonumber(ARGV[3])

  local curr = redis.call('HGET', k, 'curr')
  local endv = redis.call('HGET', k, 'end')
  if not curr or not endv then
    return {1}
  end
  curr = tonumber(curr); endv = tonumber(endv)

  if segEnd ~= 0 and segEnd ~= endv then
    return {3, curr, endv, 0, nowms}
  end

  local start = curr + 1
  local newv  = curr + need
  if newv > endv then
    return {3, curr, endv, 0, nowms}
  end
  redis.call('HSET', k, 'curr', newv, 'mill', nowms)
  return {0, start, 0, endv, nowms}
`)

// Install/refresh a segment: curr=start-1, end=end, mill=nowMs, with TTL.
var luaSetSegment = redis.NewScript(`
  local k = KEYS[1]
  local curr = tonumber(ARGV[1])
  local endv = tonumber(ARGV[2])
  local nowms= tonumber(ARGV[3])
  redis.call('HSET', k, 'curr', curr, 'end', endv, 'mill', nowms)
  redis.call('PEXPIRE', k, 3600000)
  return 1
`)

// DAOIface leases sequence segments from the durable record.
type DAOIface interface {
	AllocSegment(ctx context.Context, chatID string, block int64) (start, end int64, err error)
}

// Allocator issues per-chat sequence numbers: a Redis hash serves numbers out
// of the current segment, and exhausted/missing segments are re-leased from
// the DAO. Numbers are never reused; a lost Redis segment only leaves a gap in
// issued (not committed) space.
type Allocator struct {
	Rdb         redis.Scripter
	DAO         DAOIface
	BlockSizeFn func(chatID string, want int64) int64
	KeyFn       func(chatID string) string
	MaxRetry    int
}

func defaultBlock(_ string, want int64) int64 {
	if want <= 0 {
		want = 1
	}
	if want < 32 {
		return 256 // cold chats take small segments
	}
	return want * 8 // hot chats amortize round trips
}

func defaultKey(chatID string) string { return "seq:blk:" + chatID }

func (a *Allocator) ensure() {
	if a.BlockSizeFn == nil {
		a.BlockSizeFn = defaultBlock
	}
	if a.KeyFn == nil {
		a.KeyFn = defaultKey
	}
	if a.MaxRetry == 0 {
		a.MaxRetry = 10
	}
}

// Next allocates one sequence number for the chat.
func (a *Allocator) Next(ctx context.Context, chatID string) (int64, error) {
	start, _, err := a.Malloc(ctx, chatID, 1)
	return start, err
}

// Malloc allocates need consecutive seqs and returns the first, plus the
// issue timestamp in unix ms.
func (a *Allocator) Malloc(ctx context.Context, chatID string, need int64) (start int64, mill int64, err error) {
	a.ensure()
	if need <= 0 {
		need = 1
	}
	key := a.KeyFn(chatID)
	nowms := time.Now().UnixMilli()

	// 1) try the live segment first
	if res, e := luaInSegment.Run(ctx, a.Rdb, []string{key}, need, 0, nowms).Result(); e == nil {
		arr := res.([]interface{})
		switch arr[0].(int64) {
		case 0:
			return arr[1].(int64), arr[4].(int64), nil
		case 1, 3:
			// missing / exhausted -> lease a fresh segment
		default:
			return 0, 0, errs.New("unknown redis state", "state", arr[0])
		}
	}

	// 2) lease from the DAO, install in Redis, then issue in-segment
	var lastErr error
	for i := 0; i < a.MaxRetry; i++ {
		block := a.BlockSizeFn(chatID, need)

		segStart, segEnd, e := a.DAO.AllocSegment(ctx, chatID, block)
		if e != nil {
			lastErr = e
			break
		}

		if _, e = luaSetSegment.Run(ctx, a.Rdb, []string{key}, segStart-1, segEnd, nowms).Result(); e != nil {
			lastErr = e
			time.Sleep(10 * time.Millisecond)
			continue
		}

		res2, e := luaInSegment.Run(ctx, a.Rdb, []string{key}, need, segEnd, nowms).Result()
		if e != nil {
			lastErr = e
			time.Sleep(10 * time.Millisecond)
			continue
		}
		arr := res2.([]interface{})
		if arr[0].(int64) == 0 {
			return arr[1].(int64), arr[4].(int64), nil
		}
		time.Sleep(5 * time.Millisecond) // segment raced, back off briefly
	}
	if lastErr == nil {
		lastErr = errs.New("malloc retry exceeded")
	}
	return 0, 0, lastErr
}
