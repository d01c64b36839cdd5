// Package orchestrator provides session spawners that run commands inside
// containers: `docker exec` through the Docker Engine API and pod exec
// through the Kubernetes API server.
//
// Both return [shell.Process] values, so a container session behaves like a
// local one from the registry's point of view. The target container (or pod)
// is taken from [shell.CommandSpec.Target], which only operator-defined
// command profiles may set.
package orchestrator
