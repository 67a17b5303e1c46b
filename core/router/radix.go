package router

import "strings"

// node is an edge of a radix tree keyed by literal route prefixes.
type node struct {
	path     string
	indices  string
	children []*node
	routes   []*Route
}

// insert adds route under prefix, splitting edges as needed.
func (n *node) insert(prefix string, route *Route) {
	for {
		i := longestCommonPrefix(prefix, n.path)

		// Split edge
		if i < len(n.path) {
			child := &node{
				path:     n.path[i:],
				indices:  n.indices,
				children: n.children,
				routes:   n.routes,
			}
			n.children = []*node{child}
			n.indices = string(n.path[i])
			n.path = n.path[:i]
			n.routes = nil
		}

		if i == len(prefix) {
			n.routes = append(n.routes, route)
			return
		}
		prefix = prefix[i:]

		next := n.child(prefix[0])
		if next == nil {
			n.indices += string(prefix[0])
			n.children = append(n.children, &node{path: prefix, routes: []*Route{route}})
			return
		}
		n = next
	}
}

func (n *node) child(c byte) *node {
	if i := strings.IndexByte(n.indices, c); i >= 0 {
		return n.children[i]
	}
	return nil
}

// match returns the routes whose prefix covers p on a segment boundary,
// longest prefix first.
func (n *node) match(p string) []*Route {
	var matched []*Route
	rest, consumed := p, 0
	for n != nil && strings.HasPrefix(rest, n.path) {
		rest = rest[len(n.path):]
		consumed += len(n.path)
		if len(n.routes) > 0 && onBoundary(p, consumed) {
			matched = append(append([]*Route(nil), n.routes...), matched...)
		}
		if rest == "" {
			break
		}
		n = n.child(rest[0])
	}
	return matched
}

// onBoundary reports whether a prefix of length k ends a path segment of p.
func onBoundary(p string, k int) bool {
	if k == 0 || k == len(p) {
		return true
	}
	return p[k-1] == '/' || p[k] == '/'
}

func longestCommonPrefix(a, b string) int {
	i := 0
	limit := min(len(a), len(b))
	for i < limit && a[i] == b[i] {
		i++
	}
	return i
}
