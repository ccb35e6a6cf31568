package firewall

// Queue collects the rules generated for one policy rule, dropping exact
// duplicates while keeping insertion order.
type Queue struct {
	rules []Rule
	seen  map[Rule]struct{}
	// Suppressed counts rejected duplicates since the queue was created.
	Suppressed int
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{seen: make(map[Rule]struct{})}
}

// Insert queues r. It returns false when an equal rule is already queued.
func (q *Queue) Insert(r Rule) bool {
	if q.seen == nil {
		q.seen = make(map[Rule]struct{})
	}
	if _, dup := q.seen[r]; dup {
		q.Suppressed++
		return false
	}
	q.seen[r] = struct{}{}
	q.rules = append(q.rules, r)
	return true
}

// InsertAll queues every rule and returns how many were new.
func (q *Queue) InsertAll(rules []Rule) int {
	n := 0
	for _, r := range rules {
		if q.Insert(r) {
			n++
		}
	}
	return n
}

// Len returns the number of queued rules.
func (q *Queue) Len() int {
	return len(q.rules)
}

// Rules returns the queued rules in insertion order.
func (q *Queue) Rules() []Rule {
	return q.rules
}

// Flush routes every queued rule in insertion order and empties the queue.
// The queue is emptied even when routing fails.
func (q *Queue) Flush(r Router) error {
	defer q.reset()
	for _, rule := range q.rules {
		if err := r.Route(rule); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) reset() {
	q.rules = nil
	q.seen = make(map[Rule]struct{})
}
