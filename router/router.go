// Package router discovers live search backends through a coordination
// service. Each backend registers an ephemeral znode under
// /<cluster>/SearchTopology/Replica<i>/Node<j> carrying its endpoint
// and the collections it serves; the router watches the tree and keeps
// an in-memory topology that queries can route against.
package router

import (
	"log"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
)

const topologySuffix = "/SearchTopology"

var (
	clusterRe = regexp.MustCompile(`^SF1R-\w+\d*$`)
	nodeRe    = regexp.MustCompile(`^/SF1R-\w+\d*/SearchTopology/Replica\d+/Node\d+$`)
)

// Node is one live backend endpoint.
type Node struct {
	// Path is the znode the backend registered at.
	Path string
	Host string
	Port int
	// Collections the backend serves.
	Collections []string
	// Meta holds the remaining key/value pairs of the registration.
	Meta map[string]string
}

// ServesCollection reports whether the node serves the named
// collection.
func (n Node) ServesCollection(collection string) bool {
	for _, c := range n.Collections {
		if strings.EqualFold(c, collection) {
			return true
		}
	}
	return false
}

// parseNodeData decodes the kv registration format
// "key1#value1$key2#value2".
func parseNodeData(path, data string) Node {
	n := Node{Path: path, Meta: make(map[string]string)}
	for _, pair := range strings.Split(data, "$") {
		kv := strings.SplitN(pair, "#", 2)
		if len(kv) != 2 {
			continue
		}
		key, val := kv[0], kv[1]
		switch key {
		case "host":
			n.Host = val
		case "baport":
			if p, err := strconv.Atoi(val); err == nil {
				n.Port = p
			}
		case "collection":
			for _, c := range strings.Split(val, ",") {
				if c != "" {
					n.Collections = append(n.Collections, c)
				}
			}
		default:
			n.Meta[key] = val
		}
	}
	return n
}

// conn is the slice of the ZooKeeper client the router uses; tests
// substitute a fake.
type conn interface {
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	GetW(path string) ([]byte, *zk.Stat, <-chan zk.Event, error)
	Close()
}

// Router maintains the live topology.
type Router struct {
	conn conn

	mu    sync.Mutex
	nodes map[string]Node

	events chan zk.Event
	quit   chan struct{}
	done   chan struct{}
}

// Connect dials the coordination service and loads the initial
// topology.
func Connect(servers []string, sessionTimeout time.Duration) (*Router, error) {
	c, _, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, err
	}
	return newRouter(c)
}

func newRouter(c conn) (*Router, error) {
	r := &Router{
		conn:   c,
		nodes:  make(map[string]Node),
		events: make(chan zk.Event, 16),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if err := r.reload(); err != nil {
		c.Close()
		return nil, err
	}
	go r.loop()
	return r, nil
}

// Close stops watching and disconnects.
func (r *Router) Close() {
	close(r.quit)
	<-r.done
	r.conn.Close()
}

// Nodes returns a snapshot of every live backend.
func (r *Router) Nodes() []Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	nodes := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Path < nodes[j].Path })
	return nodes
}

// NodesFor returns the live backends serving the named collection.
func (r *Router) NodesFor(collection string) []Node {
	var nodes []Node
	for _, n := range r.Nodes() {
		if n.ServesCollection(collection) {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// forward relays one-shot watch events onto the router's own channel so
// the loop can re-arm watches with a full reload.
func (r *Router) forward(ch <-chan zk.Event) {
	go func() {
		select {
		case ev := <-ch:
			select {
			case r.events <- ev:
			case <-r.quit:
			}
		case <-r.quit:
		}
	}()
}

func (r *Router) loop() {
	defer close(r.done)
	for {
		select {
		case <-r.quit:
			return
		case ev := <-r.events:
			log.Printf("router: topology event %v at %s", ev.Type, ev.Path)
			if err := r.reload(); err != nil {
				log.Printf("router: reloading topology: %v", err)
			}
		}
	}
}

// reload rebuilds the node map from the coordination tree, re-arming
// watches along the way.
func (r *Router) reload() error {
	clusters, _, ch, err := r.conn.ChildrenW("/")
	if err != nil {
		return err
	}
	r.forward(ch)

	nodes := make(map[string]Node)
	for _, cluster := range clusters {
		if !clusterRe.MatchString(cluster) {
			continue
		}
		if err := r.loadCluster("/"+cluster+topologySuffix, nodes); err != nil {
			if err == zk.ErrNoNode {
				continue
			}
			return err
		}
	}

	r.mu.Lock()
	r.nodes = nodes
	r.mu.Unlock()
	return nil
}

func (r *Router) loadCluster(topology string, nodes map[string]Node) error {
	replicas, _, ch, err := r.conn.ChildrenW(topology)
	if err != nil {
		return err
	}
	r.forward(ch)
	for _, replica := range replicas {
		replicaPath := topology + "/" + replica
		children, _, ch, err := r.conn.ChildrenW(replicaPath)
		if err != nil {
			if err == zk.ErrNoNode {
				continue
			}
			return err
		}
		r.forward(ch)
		for _, child := range children {
			path := replicaPath + "/" + child
			if !nodeRe.MatchString(path) {
				continue
			}
			data, _, ch, err := r.conn.GetW(path)
			if err != nil {
				if err == zk.ErrNoNode {
					continue
				}
				return err
			}
			r.forward(ch)
			nodes[path] = parseNodeData(path, string(data))
		}
	}
	return nil
}
