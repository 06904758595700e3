package shadercache

// node is an entry of the recency list. It carries its key so the oldest
// entry can be dropped from the map in O(1).
type node struct {
	key        uint64
	prev, next *node
}

// lruList orders keys by use. The head is the most recently used.
// It is not safe for concurrent use.
type lruList struct {
	head, tail *node
	len        int
}

func (l *lruList) pushFront(key uint64) *node {
	n := &node{key: key}
	l.link(n)
	return n
}

func (l *lruList) moveToFront(n *node) {
	if n == l.head {
		return
	}
	l.unlink(n)
	l.link(n)
}

// removeOldest unlinks the tail and returns its key.
func (l *lruList) removeOldest() (uint64, bool) {
	if l.tail == nil {
		return 0, false
	}
	n := l.tail
	l.unlink(n)
	return n.key, true
}

func (l *lruList) link(n *node) {
	n.prev = nil
	n.next = l.head
	if l.head != nil {
		l.head.prev = n
	}
	l.head = n
	if l.tail == nil {
		l.tail = n
	}
	l.len++
}

func (l *lruList) unlink(n *node) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.prev, n.next = nil, nil
	l.len--
}
