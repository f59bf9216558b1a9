package broker

import "fmt"

// Naming implements the cluster-namespaced exchange/queue naming scheme:
// exchanges are fanout per message type, queues are bound to every exchange
// they consume, and a queue Q gets a delayed exchange
// "<cluster>:delayed.exchange.<Q>" and an error queue "<cluster>:<Q>_error"
// on demand.
type Naming struct {
	Cluster string
}

// Exchange returns the namespaced fanout exchange name for a message type.
func (n Naming) Exchange(messageType string) string {
	return n.qualify(messageType)
}

// Queue returns the namespaced queue name for an endpoint.
func (n Naming) Queue(endpoint string) string {
	return n.qualify(endpoint)
}

// DelayedExchange returns the namespaced delayed-message exchange bound to
// queue endpoint, used for level-2 redelivery.
func (n Naming) DelayedExchange(endpoint string) string {
	return n.qualify(fmt.Sprintf("delayed.exchange.%s", endpoint))
}

// ErrorQueue returns the namespaced deadletter queue for endpoint.
func (n Naming) ErrorQueue(endpoint string) string {
	return n.qualify(endpoint + "_error")
}

func (n Naming) qualify(name string) string {
	if n.Cluster == "" {
		return name
	}
	return n.Cluster + ":" + name
}
