package ingest

import (
	"context"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/kgraph/ingestor/pkg/natsutil"
)

// CentralityUpdateSubject is the NATS subject carrying fire-and-forget
// centrality recompute requests, consumed by whatever centrality service
// subscribes to it.
const CentralityUpdateSubject = "ingestion.centrality.update"

// CentralityUpdateSignal is the message published on CentralityUpdateSubject.
type CentralityUpdateSignal struct {
	Tenant  string   `json:"tenant"`
	NodeIDs []string `json:"node_ids"`
}

// NatsCentralitySignaler publishes centrality-update requests over NATS,
// grounded on the source's fire-and-forget `asyncio.create_task` calls
// to CentralityClient and on pkg/natsutil's generic Publish helper.
type NatsCentralitySignaler struct {
	nc *nats.Conn
}

// NewNatsCentralitySignaler wraps an established NATS connection.
func NewNatsCentralitySignaler(nc *nats.Conn) *NatsCentralitySignaler {
	return &NatsCentralitySignaler{nc: nc}
}

// Signal publishes a centrality-update request. Failures are logged, not
// returned, since the caller treats this as best-effort.
func (s *NatsCentralitySignaler) Signal(ctx context.Context, tenant string, nodeIDs []string) {
	if len(nodeIDs) == 0 {
		return
	}
	sig := CentralityUpdateSignal{Tenant: tenant, NodeIDs: nodeIDs}
	if err := natsutil.Publish(ctx, s.nc, CentralityUpdateSubject, sig); err != nil {
		slog.Warn("centrality update signal failed", "tenant", tenant, "nodes", len(nodeIDs), "error", err)
	}
}
