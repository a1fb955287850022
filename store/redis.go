package store

import (
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v7"
	"github.com/pkg/errors"
)

// RedisSink stores completed-piece records in Redis as a set per torrent,
// grounded on modasi-mika/store/redis/redis.go's key-naming convention:
// torrents keyed "t:<hash>", with completed pieces stored as set members
// rather than that module's per-peer hash fields (there is no peer swarm
// state on the leecher side to key "p:<hash>:<peer>" against).
type RedisSink struct {
	client *redis.Client
}

// NewRedisSink connects to a Redis instance at addr (host:port).
func NewRedisSink(addr string, db int) *RedisSink {
	return &RedisSink{client: redis.NewClient(&redis.Options{Addr: addr, DB: db})}
}

func redisTorrentKey(h [20]byte) string {
	return fmt.Sprintf("t:%s", infoHashHex(h))
}

// Save adds the piece index to the torrent's completed-piece set.
func (s *RedisSink) Save(r Record) error {
	if err := s.client.SAdd(redisTorrentKey(r.InfoHash), r.Piece).Err(); err != nil {
		return errors.Wrap(err, "store: redis SAdd")
	}
	return nil
}

// Completed returns every piece index recorded as complete for infoHash.
func (s *RedisSink) Completed(infoHash [20]byte) ([]int, error) {
	members, err := s.client.SMembers(redisTorrentKey(infoHash)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "store: redis SMembers")
	}

	out := make([]int, 0, len(members))
	for _, m := range members {
		n, err := strconv.Atoi(m)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// Close releases the underlying Redis client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
