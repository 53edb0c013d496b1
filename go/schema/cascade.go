package schema

// CascadeDropped reports whether clientOp addresses a tree node that
// serverOp's tree.remove transitively deletes, given state as it stood
// immediately before serverOp was applied. Tree.Transform alone can only
// catch serverOp removing clientOp's exact target node (rule 7's direct
// case), since Primitive.Transform has no access to state; this catches
// the transitive-descendant case by resolving the Tree both ops share and
// consulting its CascadeRemovedIDs against the pre-removal state.
func CascadeDropped(root Primitive, state any, clientOp, serverOp Operation) bool {
	if serverOp.Kind != kindTreeRemove {
		return false
	}
	var tree, treeState, cPath, sPath, ok = resolveSharedTree(root, state, clientOp.Path, serverOp.Path)
	if !ok || !sPath.IsEmpty() || cPath.IsEmpty() {
		return false
	}
	var removedID, err = payloadID(serverOp)
	if err != nil {
		return false
	}
	var cid, _ = cPath.Head()
	return tree.CascadeRemovedIDs(treeState, removedID)[cid]
}

// resolveSharedTree walks root/state down the common struct-field prefix
// of clientPath and serverPath, stopping as soon as it reaches a *Tree
// primitive both paths still share. It reports false if the paths diverge
// before any Tree is reached, or reach something other than a Struct or a
// Tree (Array- or Union-wrapped trees are out of scope: this system does
// not compose a Tree behind either).
func resolveSharedTree(root Primitive, state any, clientPath, serverPath Path) (*Tree, TreeState, Path, Path, bool) {
	var prim = root
	var cur = state
	for {
		if tree, isTree := prim.(*Tree); isTree {
			var ts, isTS = cur.(TreeState)
			if !isTS {
				return nil, nil, nil, nil, false
			}
			return tree, ts, clientPath, serverPath, true
		}

		var st, isStruct = prim.(*Struct)
		if !isStruct || clientPath.IsEmpty() || serverPath.IsEmpty() {
			return nil, nil, nil, nil, false
		}

		var cField, cRest = clientPath.Head()
		var sField, sRest = serverPath.Head()
		if cField != sField {
			return nil, nil, nil, nil, false
		}

		var child, known = st.fields[cField]
		if !known {
			return nil, nil, nil, nil, false
		}

		var stateMap, _ = cur.(StructState)
		cur = stateMap[cField]
		if cur == nil {
			cur = child.InitialState()
		}
		prim, clientPath, serverPath = child, cRest, sRest
	}
}
