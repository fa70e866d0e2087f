// Package notify mirrors hub activity to external systems: lifecycle
// messages to NATS and latest payloads to Redis. Both are optional and
// best-effort.
package notify

import (
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// NATSPublisher publishes hub system messages to <prefix>.<type>
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

// ConnectNATS dials url. Reconnects are unlimited; messages published while
// disconnected are buffered by the client up to its limit and then dropped.
func ConnectNATS(url, prefix string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("imuhub"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	if prefix == "" {
		prefix = "imuhub"
	}
	return &NATSPublisher{nc: nc, prefix: prefix}, nil
}

// Subject returns the subject a message type is published on
func (p *NATSPublisher) Subject(msgType string) string {
	return p.prefix + "." + msgType
}

// Publish sends data without waiting for the server
func (p *NATSPublisher) Publish(msgType string, data []byte) {
	if err := p.nc.Publish(p.Subject(msgType), data); err != nil {
		log.Printf("Error publishing %s to NATS: %v", msgType, err)
	}
}

// Close flushes pending messages and disconnects
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}

// StartEmbeddedNATS runs a NATS server inside the process, for setups
// without an external broker
func StartEmbeddedNATS(host string, port int) (*server.Server, error) {
	ns, err := server.NewServer(&server.Options{
		Host:   host,
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedded NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server not ready on %s:%d", host, port)
	}
	log.Printf("Embedded NATS server listening on %s", ns.ClientURL())
	return ns, nil
}
