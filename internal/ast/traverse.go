package ast

// Visitor inspects a node and either returns it unchanged or returns a
// replacement subtree to splice in its place.
type Visitor func(*Node) *Node

// TraverseAndModify walks the tree top-down and applies the visitor to
// every node. When the visitor returns a different node, the replacement
// is spliced into the parent and not descended into. The possibly new
// root is returned; callers compare it against the original by pointer
// to learn whether the root itself was replaced, since the traversal has
// no access to the root's parent.
func TraverseAndModify(root *Node, visit Visitor) *Node {
	if root == nil {
		return nil
	}
	replacement := visit(root)
	if replacement != root {
		return replacement
	}
	for i, member := range root.Members {
		if member == nil {
			continue
		}
		if modified := TraverseAndModify(member, visit); modified != member {
			root.Members[i] = modified
		}
	}
	return root
}
