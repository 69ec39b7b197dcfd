package service

import (
	"encoding/hex"
	"encoding/json"
	"hash/fnv"
	"strings"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// DeriveDedupeKey builds a stable key from the event's identity and payload.
// Payload maps marshal with sorted keys, so equal payloads give equal keys.
func DeriveDedupeKey(eventType, entityType, entityID string, payload map[string]any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	h.Write([]byte(strings.Join([]string{eventType, entityType, entityID}, "|")))
	h.Write([]byte{'|'})
	h.Write(raw)
	return "auto:" + hex.EncodeToString(h.Sum(nil)[:16]), nil
}

// stripedLock serializes work per key within one process.
type stripedLock struct {
	stripes [64]sync.Mutex
}

func (l *stripedLock) lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	m := &l.stripes[h.Sum32()%uint32(len(l.stripes))]
	m.Lock()
	return m.Unlock
}
