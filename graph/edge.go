package graph

import "context"

// END is the pseudo-node that terminates a run. Use it as the target of an
// edge or a route.
const END = "__end__"

// Edge is an unconditional transition between two nodes.
type Edge struct {
	From string
	To   string
}

// Router picks the label of the next branch from the merged state. Routers
// are pure and fast: anything that needs a provider call belongs in a node
// whose output the router then reads.
type Router[S any] func(ctx context.Context, state S) string

// Branch maps the labels a router may return onto target nodes. Every
// label is declared when the branch is added; a router returning anything
// else is a configuration error surfaced at run time as ErrValidation.
type Branch[S any] struct {
	From   string
	Router Router[S]
	Routes map[string]string
}
