package brokercheck

import (
	"fmt"
	"io"
	"time"

	"github.com/getmockd/mqttsh/pkg/mqttclient"
)

func yesNo(ok bool) string {
	if ok {
		return "OK"
	}
	return "NO"
}

// Print writes r in the indented form of the test command.
func (r Report) Print(w io.Writer) {
	name := "MQTT 5"
	if r.Version == mqttclient.V3 {
		name = "MQTT 3"
	}
	if r.ConnectErr != nil {
		fmt.Fprintf(w, "%s: Could not connect %s client - %v\n", name, name, r.ConnectErr)
		return
	}
	fmt.Fprintf(w, "%s: OK\n", name)

	if s := r.Server; s != nil {
		fmt.Fprintln(w, "\t- Connect restrictions:")
		fmt.Fprintf(w, "\t\t> Retain: %s\n", yesNo(s.RetainAvailable))
		fmt.Fprintf(w, "\t\t> Wildcard subscriptions: %s\n", yesNo(s.WildcardSubscriptions))
		fmt.Fprintf(w, "\t\t> Shared subscriptions: %s\n", yesNo(s.SharedSubscriptions))
		fmt.Fprintf(w, "\t\t> Subscription identifiers: %s\n", yesNo(s.SubscriptionIdentifiers))
		fmt.Fprintf(w, "\t\t> Maximum QoS: %d\n", s.MaximumQoS)
		fmt.Fprintf(w, "\t\t> Receive maximum: %d\n", s.ReceiveMaximum)
		if s.MaximumPacketSize == 0 {
			fmt.Fprintln(w, "\t\t> Maximum packet size: unlimited")
		} else {
			fmt.Fprintf(w, "\t\t> Maximum packet size: %d bytes\n", s.MaximumPacketSize)
		}
		fmt.Fprintf(w, "\t\t> Topic alias maximum: %d\n", s.TopicAliasMaximum)
		if s.SessionExpiryInterval != nil {
			fmt.Fprintf(w, "\t\t> Session expiry interval: %ds\n", *s.SessionExpiryInterval)
		} else {
			fmt.Fprintln(w, "\t\t> Session expiry interval: Client-based")
		}
		if s.ServerKeepAlive != nil {
			fmt.Fprintf(w, "\t\t> Server keep alive: %ds\n", *s.ServerKeepAlive)
		} else {
			fmt.Fprintln(w, "\t\t> Server keep alive: Client-based")
		}
	}

	if !r.Complete {
		return
	}
	for _, q := range r.QoS {
		if q.Err != nil {
			fmt.Fprintf(w, "\t- QoS %d: %v\n", q.QoS, q.Err)
			continue
		}
		fmt.Fprintf(w, "\t- QoS %d: Received %d/%d publishes in %.2fms\n",
			q.QoS, q.Received, q.Sent, float64(q.Elapsed)/float64(time.Millisecond))
	}
	fmt.Fprintf(w, "\t- Retain: %s\n", r.Retain)
	fmt.Fprintf(w, "\t- Wildcard subscriptions: %s\n", yesNo(r.Wildcard.OK()))
	if !r.Wildcard.OK() {
		fmt.Fprintf(w, "\t\t> '+' Wildcard: %s\n", r.Wildcard.Plus)
		fmt.Fprintf(w, "\t\t> '#' Wildcard: %s\n", r.Wildcard.Hash)
	}
	fmt.Fprintf(w, "\t- Shared subscriptions: %s\n", r.Shared)
}
