package gatt

import "github.com/cornelk/hashmap"

// sessions maps a device address to its open GATT handle.
type sessions struct {
	m *hashmap.Map[string, Conn]
}

func newSessions() *sessions {
	return &sessions{m: hashmap.New[string, Conn]()}
}

func (s *sessions) put(address string, c Conn) {
	s.m.Set(address, c)
}

func (s *sessions) get(address string) (Conn, bool) {
	return s.m.Get(address)
}

func (s *sessions) has(address string) bool {
	_, ok := s.m.Get(address)
	return ok
}

func (s *sessions) remove(address string) {
	s.m.Del(address)
}

func (s *sessions) addresses() []string {
	out := make([]string, 0, s.m.Len())
	s.m.Range(func(k string, _ Conn) bool {
		out = append(out, k)
		return true
	})
	return out
}
