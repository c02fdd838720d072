package chat

import "sync"

// UpdateKind is a low-cardinality category for engine state changes, used by
// the presentation layer for repaint routing.
type UpdateKind string

const (
	UpdateKindTranscript UpdateKind = "transcript"
	UpdateKindRunState   UpdateKind = "run_state"
	UpdateKindRunDelta   UpdateKind = "run_delta"
	UpdateKindQueue      UpdateKind = "queue"
	UpdateKindConnection UpdateKind = "connection"
	UpdateKindCompaction UpdateKind = "compaction"
	UpdateKindError      UpdateKind = "error"
)

// Update notifies a subscriber that part of the engine state changed. The
// subscriber reads fresh state through the engine's snapshot accessors.
type Update struct {
	Kind       UpdateKind `json:"kind"`
	SessionKey string     `json:"session_key,omitempty"`
	RunID      string     `json:"run_id,omitempty"`
}

type updatePriority uint8

const (
	updatePriorityHigh updatePriority = iota
	updatePriorityLow
)

func classifyUpdatePriority(u Update) updatePriority {
	// Delta repaints are droppable; everything else must arrive.
	if u.Kind == UpdateKindRunDelta {
		return updatePriorityLow
	}
	return updatePriorityHigh
}

type notifier struct {
	mu   sync.Mutex
	subs map[*updateSubscriber]struct{}
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[*updateSubscriber]struct{})}
}

func (n *notifier) Subscribe() (<-chan Update, func()) {
	if n == nil {
		ch := make(chan Update)
		close(ch)
		return ch, func() {}
	}
	sub := newUpdateSubscriber()
	n.mu.Lock()
	n.subs[sub] = struct{}{}
	n.mu.Unlock()
	return sub.out, func() {
		n.mu.Lock()
		delete(n.subs, sub)
		n.mu.Unlock()
		sub.Close()
	}
}

func (n *notifier) Publish(u Update) {
	if n == nil {
		return
	}
	n.mu.Lock()
	subs := make([]*updateSubscriber, 0, len(n.subs))
	for sub := range n.subs {
		subs = append(subs, sub)
	}
	n.mu.Unlock()

	priority := classifyUpdatePriority(u)
	for _, sub := range subs {
		sub.TrySend(priority, u)
	}
}

func (n *notifier) Close() {
	if n == nil {
		return
	}
	n.mu.Lock()
	subs := make([]*updateSubscriber, 0, len(n.subs))
	for sub := range n.subs {
		subs = append(subs, sub)
	}
	n.subs = make(map[*updateSubscriber]struct{})
	n.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

// updateSubscriber forwards updates through two priority queues so terminal
// state changes are never starved by delta floods.
type updateSubscriber struct {
	hiCh chan Update
	loCh chan Update
	out  chan Update
	stop chan struct{}
	once sync.Once
	done chan struct{}
}

func newUpdateSubscriber() *updateSubscriber {
	sub := &updateSubscriber{
		hiCh: make(chan Update, 1024),
		loCh: make(chan Update, 256),
		out:  make(chan Update, 256),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go sub.loop()
	return sub
}

func (sub *updateSubscriber) loop() {
	defer close(sub.done)
	defer close(sub.out)
	for {
		// Drain the high-priority queue first.
		select {
		case <-sub.stop:
			return
		case u := <-sub.hiCh:
			select {
			case <-sub.stop:
				return
			case sub.out <- u:
			}
			continue
		default:
		}

		select {
		case <-sub.stop:
			return
		case u := <-sub.hiCh:
			select {
			case <-sub.stop:
				return
			case sub.out <- u:
			}
		case u := <-sub.loCh:
			select {
			case <-sub.stop:
				return
			case sub.out <- u:
			}
		}
	}
}

func (sub *updateSubscriber) TrySend(priority updatePriority, u Update) {
	if sub == nil {
		return
	}
	select {
	case <-sub.stop:
		return
	default:
	}

	ch := sub.loCh
	if priority == updatePriorityHigh {
		ch = sub.hiCh
	}
	select {
	case ch <- u:
	default:
	}
}

func (sub *updateSubscriber) Close() {
	if sub == nil {
		return
	}
	sub.once.Do(func() { close(sub.stop) })
	<-sub.done
}
