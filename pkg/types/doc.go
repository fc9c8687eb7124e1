// Package types defines the shared data model of the ML orchestrator:
// tasks, cluster nodes, model records and the forward envelope exchanged
// between coordinator and worker nodes.
package types
