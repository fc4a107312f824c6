package courier

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/memberlist"
)

var (
	_ memberlist.Delegate      = (*gossip)(nil)
	_ memberlist.EventDelegate = (*gossip)(nil)
)

// gossip discovers the other nodes of the cluster. The metadata of every
// member is the endpoint of its data-plane, fed to the connection cache so
// resources can be reached by node name.
type gossip struct {
	logger *slog.Logger
	self   string
	meta   []byte
	cache  *ConnectionCache
	ml     *memberlist.Memberlist
}

func newGossip(n *Node) (*gossip, error) {
	if len(n.endpoint) > memberlist.MetaMaxSize {
		return nil, fmt.Errorf("endpoint %q does not fit in gossip metadata", n.endpoint)
	}

	g := &gossip{
		logger: n.logger,
		self:   n.name,
		meta:   []byte(n.endpoint),
		cache:  n.cache,
	}

	mlCfg := n.config.mlCfg
	mlCfg.Name = n.name
	mlCfg.Delegate = g
	mlCfg.Events = g
	mlCfg.MetricLabels = legacyLabels(n.labels)
	handler := n.config.logHandler
	if handler == nil {
		handler = slog.Default().Handler()
	}
	mlCfg.LogOutput = nil
	mlCfg.Logger = slog.NewLogLogger(handler, slog.LevelDebug)

	ml, err := memberlist.Create(mlCfg)
	if err != nil {
		return nil, err
	}
	g.ml = ml
	return g, nil
}

func (g *gossip) join(neighbours []string) (int, error) {
	if len(neighbours) == 0 {
		return 0, nil
	}
	joined, err := g.ml.Join(neighbours)
	if err != nil {
		return joined, fmt.Errorf("%w: %w", ErrJoinCluster, err)
	}
	g.logger.Info("cluster joined")
	if len(neighbours) != joined {
		g.logger.Warn(
			"not all neighbours are reachable",
			"joined", joined,
			"expected", len(neighbours),
		)
	}
	return joined, nil
}

func (g *gossip) members() []Host {
	nodes := g.ml.Members()
	hosts := make([]Host, 0, len(nodes))
	for _, node := range nodes {
		hosts = append(hosts, Host{
			Name:       Hostname(node.Name),
			Endpoint:   string(node.Meta),
			GossipAddr: node.Address(),
		})
	}
	return hosts
}

// addr is where other nodes can join us.
func (g *gossip) addr() string {
	return g.ml.LocalNode().Address()
}

func (g *gossip) leave(timeout time.Duration) error {
	return g.ml.Leave(timeout)
}

func (g *gossip) shutdown() error {
	return g.ml.Shutdown()
}

func (g *gossip) NodeMeta(limit int) []byte {
	return g.meta
}

func (g *gossip) NotifyMsg([]byte) {}

func (g *gossip) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

func (g *gossip) LocalState(join bool) []byte {
	return nil
}

func (g *gossip) MergeRemoteState(buf []byte, join bool) {}

func (g *gossip) NotifyJoin(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("peer joined cluster")
	g.learn(node)
}

func (g *gossip) NotifyLeave(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("peer left cluster")
	if node.Name != g.self {
		g.cache.Forget(Hostname(node.Name))
	}
}

func (g *gossip) NotifyUpdate(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("peer updated")
	g.learn(node)
}

func (g *gossip) learn(node *memberlist.Node) {
	if node.Name == g.self || len(node.Meta) == 0 {
		return
	}
	g.cache.Learn(Hostname(node.Name), string(node.Meta))
}

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With(LabelPeerName.L(node.Name), LabelPeerAddr.L(node.Address()))
}
