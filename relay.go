// Package relay runs a node of a private, permissioned libp2p swarm. It keeps the
// node's identity and swarm key on disk, drives the node lifecycle, and routes
// signed GossipSub messages to one handler per topic.
package relay
