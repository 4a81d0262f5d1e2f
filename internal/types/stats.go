package types

// NodeStats are the counters a verification node exposes.
type NodeStats struct {
	Verified  int64 `json:"verified"`
	Accepted  int64 `json:"accepted"`
	Rejected  int64 `json:"rejected"`
	Malformed int64 `json:"malformed"`

	CacheHits    int64 `json:"cacheHits"`
	CacheMisses  int64 `json:"cacheMisses"`
	CacheEntries int64 `json:"cacheEntries"`

	UptimeSeconds int64 `json:"uptimeSeconds"`
}
