package stratum

import "sync"

// connectionSet indexes live sessions by payout address.
type connectionSet struct {
	mu        sync.RWMutex
	byAddress map[string]map[string]*Session
}

func newConnectionSet() *connectionSet {
	return &connectionSet{byAddress: make(map[string]map[string]*Session)}
}

func (c *connectionSet) add(address string, s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.byAddress[address]
	if !ok {
		set = make(map[string]*Session)
		c.byAddress[address] = set
	}
	set[s.ID()] = s
}

func (c *connectionSet) remove(address string, s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.byAddress[address]
	if !ok {
		return
	}
	delete(set, s.ID())
	if len(set) == 0 {
		delete(c.byAddress, address)
	}
}

func (c *connectionSet) sessions(address string) []*Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	set := c.byAddress[address]
	out := make([]*Session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out
}

func (c *connectionSet) count(address string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byAddress[address])
}
