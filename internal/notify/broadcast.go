package notify

// Update kinds pushed to presentation subscribers.
const (
	UpdateSnapshot = "snapshot"
	UpdateNotice   = "notice"
	UpdateParent   = "parent"
	UpdateRedirect = "redirect"
	UpdateReload   = "reload"
)

type Update struct {
	Kind         string         `json:"kind"`
	Version      int            `json:"version,omitempty"`
	State        any            `json:"state,omitempty"`
	Notification *Notification  `json:"notification,omitempty"`
	Parent       *ParentMessage `json:"parent,omitempty"`
	URL          string         `json:"url,omitempty"`
}

// Broadcaster fans updates out to subscriber outboxes. It has no locking;
// the owning loop is the only caller.
type Broadcaster struct {
	clients map[string]chan Update
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{clients: make(map[string]chan Update)}
}

func (b *Broadcaster) Join(id string, outbox chan Update) {
	if old, ok := b.clients[id]; ok && old != outbox {
		close(old)
	}
	b.clients[id] = outbox
}

func (b *Broadcaster) Leave(id string) {
	if ch, ok := b.clients[id]; ok {
		close(ch)
		delete(b.clients, id)
	}
}

func (b *Broadcaster) Len() int { return len(b.clients) }

// Send delivers to every subscriber. A subscriber whose outbox is full is
// dropped.
func (b *Broadcaster) Send(u Update) int {
	for id, ch := range b.clients {
		select {
		case ch <- u:
		default:
			close(ch)
			delete(b.clients, id)
		}
	}
	return len(b.clients)
}

// SendTo delivers to one subscriber without blocking.
func (b *Broadcaster) SendTo(id string, u Update) bool {
	ch, ok := b.clients[id]
	if !ok {
		return false
	}
	select {
	case ch <- u:
		return true
	default:
		close(ch)
		delete(b.clients, id)
		return false
	}
}

func (b *Broadcaster) Close() {
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
}
