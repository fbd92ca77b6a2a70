package twins

import (
	pbft "github.com/splintercommunity/sawtooth-pbft"
)

// Broadcast is the destination of a message sent to every peer.
const Broadcast = -1

// Outgoing is a message to put on the network after interception.
type Outgoing struct {
	To      int // Broadcast or a node ID
	Message *pbft.Message
}

// Interceptor lets a Byzantine node rewrite what it sends.
type Interceptor interface {
	// Outgoing returns the messages to actually send for msg addressed to
	// to. An empty result drops it.
	Outgoing(from, to int, msg *pbft.Message) []Outgoing
}

type delivery struct {
	to int
	ev pbft.Event
}

// MessageRecord is one message put on the network.
type MessageRecord struct {
	From    int
	To      int
	Message *pbft.Message
}

// Network routes messages between engines in process. Deliveries are
// queued and handed out in FIFO order by the executor.
//
// Not safe for concurrent use.
type Network struct {
	codec      pbft.BinaryCodec
	ids        []pbft.ValidatorID // validator id of each node
	partitions []Partition

	interceptors map[int]Interceptor
	observer     func(from int, msg *pbft.Message)

	queue   []delivery
	records []MessageRecord
}

// NewNetwork creates a network over nodes whose validator ids are ids.
func NewNetwork(ids []pbft.ValidatorID, partitions []Partition) *Network {
	return &Network{
		ids:          ids,
		partitions:   partitions,
		interceptors: make(map[int]Interceptor),
	}
}

// SetInterceptor sets the interceptor for a node. Pass nil to remove it.
func (n *Network) SetInterceptor(nodeID int, interceptor Interceptor) {
	if interceptor == nil {
		delete(n.interceptors, nodeID)
		return
	}
	n.interceptors[nodeID] = interceptor
}

// Observe registers a callback for every message put on the network.
func (n *Network) Observe(fn func(from int, msg *pbft.Message)) {
	n.observer = fn
}

// Heal removes all partitions.
func (n *Network) Heal() {
	n.partitions = nil
}

// Send puts payload from node from on the network.
func (n *Network) Send(from, to int, payload []byte) error {
	msg, err := n.codec.Unmarshal(payload)
	if err != nil {
		return err
	}

	out := []Outgoing{{To: to, Message: msg}}
	if ic, ok := n.interceptors[from]; ok {
		out = ic.Outgoing(from, to, msg)
	}

	for _, o := range out {
		data := payload
		if o.Message != msg {
			if data, err = n.codec.Marshal(o.Message); err != nil {
				return err
			}
		}
		n.records = append(n.records, MessageRecord{From: from, To: o.To, Message: o.Message})
		if n.observer != nil {
			n.observer(from, o.Message)
		}
		for node := range n.ids {
			if o.To != Broadcast && node != o.To {
				continue
			}
			// Twins do not hear their own validator.
			if n.ids[node] == n.ids[from] || n.isPartitioned(from, node) {
				continue
			}
			n.Enqueue(node, pbft.PeerMessage{Sender: n.ids[from], Payload: data})
		}
	}
	return nil
}

// SendToValidator sends payload to every node running validator id.
func (n *Network) SendToValidator(from int, id pbft.ValidatorID, payload []byte) error {
	for node, nodeID := range n.ids {
		if nodeID == id {
			if err := n.Send(from, node, payload); err != nil {
				return err
			}
		}
	}
	return nil
}

// Enqueue queues an event for node to.
func (n *Network) Enqueue(to int, ev pbft.Event) {
	n.queue = append(n.queue, delivery{to: to, ev: ev})
}

// Gossip queues ev for every node reachable from from, including itself.
func (n *Network) Gossip(from int, ev pbft.Event) {
	for node := range n.ids {
		if node == from || !n.isPartitioned(from, node) {
			n.Enqueue(node, ev)
		}
	}
}

func (n *Network) next() (delivery, bool) {
	if len(n.queue) == 0 {
		return delivery{}, false
	}
	d := n.queue[0]
	n.queue = n.queue[1:]
	return d, true
}

// isPartitioned reports whether from and to are in different partitions.
// Nodes outside every partition reach everyone.
func (n *Network) isPartitioned(from, to int) bool {
	if len(n.partitions) == 0 {
		return false
	}

	fromPartition, toPartition := -1, -1
	for i, partition := range n.partitions {
		for _, node := range partition.Nodes {
			if node == from {
				fromPartition = i
			}
			if node == to {
				toPartition = i
			}
		}
	}
	if fromPartition == -1 || toPartition == -1 {
		return false
	}
	return fromPartition != toPartition
}

// MessageCount returns the number of messages put on the network.
func (n *Network) MessageCount() int {
	return len(n.records)
}

// Messages returns every message put on the network.
func (n *Network) Messages() []MessageRecord {
	return append([]MessageRecord(nil), n.records...)
}
