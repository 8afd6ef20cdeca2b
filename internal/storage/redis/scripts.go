package redis

const (
	// mergeUsageScript additively merges package durations into per-day
	// usage hashes. The whole batch runs in one script invocation, so the
	// commit is atomic across every (day, package) group. ARGV carries
	// quadruplets after the TTL: key index, day, package, milliseconds.
	mergeUsageScript = `
local index_key = KEYS[1]       -- screenpact:usage:days:{owner}
local ttl = tonumber(ARGV[1])

local i = 2
while i <= #ARGV do
  local day_key = KEYS[tonumber(ARGV[i])]
  local day = ARGV[i+1]
  local package = ARGV[i+2]
  local millis = tonumber(ARGV[i+3])

  local existed = redis.call('EXISTS', day_key)
  redis.call('HINCRBY', day_key, package, millis)

  if existed == 0 then
    redis.call('EXPIRE', day_key, ttl)
    redis.call('SADD', index_key, day)
    redis.call('EXPIRE', index_key, ttl)
  end

  i = i + 4
end

return 'OK'
`
)
