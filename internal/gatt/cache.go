package gatt

import (
	"github.com/cornelk/hashmap"

	"github.com/srg/blesupport/internal/bledb"
)

// ReadResult is a decoded characteristic read.
type ReadResult struct {
	Formatted string
	Value     []byte
}

// Cache keeps the last successful read per device and characteristic.
// Entries are only ever overwritten.
type Cache struct {
	m *hashmap.Map[string, ReadResult]
}

func NewCache() *Cache {
	return &Cache{m: hashmap.New[string, ReadResult]()}
}

// CacheKey is "{address}|{normalized uuid}".
func CacheKey(address, characteristic string) string {
	return address + "|" + bledb.NormalizeUUID(characteristic)
}

func (c *Cache) Get(address, characteristic string) (ReadResult, bool) {
	return c.m.Get(CacheKey(address, characteristic))
}

func (c *Cache) Put(address, characteristic string, r ReadResult) {
	c.m.Set(CacheKey(address, characteristic), r)
}

func (c *Cache) Len() int {
	return c.m.Len()
}
