package transcript

import (
	"fmt"
	"reflect"
	"sort"
)

// CircularMarker replaces a back reference in a cloned value when the slot
// can hold a string.
const CircularMarker = "[Circular]"

type (
	nodeKind int

	// node is one value in the arena. Containers refer to their children by
	// index into arena.nodes.
	node struct {
		kind     nodeKind
		typ      reflect.Type
		scalar   reflect.Value
		keys     []reflect.Value
		children []int
	}

	// identity names a container on the current descent path.
	identity struct {
		ptr uintptr
		typ reflect.Type
		len int
	}

	// arena flattens a value graph into indexed nodes. active holds the
	// containers on the current descent path; meeting one again is a cycle.
	arena struct {
		nodes  []node
		active map[identity]bool
		cycles int
	}
)

const (
	scalarNode nodeKind = iota
	circularNode
	mapNode
	sliceNode
	arrayNode
	ptrNode
	structNode
)

// Acyclic returns a deep copy of v in which every reference back to an
// enclosing container is replaced: by CircularMarker where the slot accepts a
// string, by the zero value otherwise. Shared but acyclic substructures are
// copied, not marked. Map entries are visited in sorted key order. The second
// result is the number of back references removed.
func Acyclic(v any) (any, int) {
	if v == nil {
		return nil, 0
	}
	a := &arena{active: make(map[identity]bool)}
	root := a.add(reflect.ValueOf(v))
	out := a.build(root)
	if !out.IsValid() {
		return nil, a.cycles
	}
	return out.Interface(), a.cycles
}

func (a *arena) push(n node) int {
	a.nodes = append(a.nodes, n)
	return len(a.nodes) - 1
}

func (a *arena) add(v reflect.Value) int {
	if !v.IsValid() {
		return a.push(node{kind: scalarNode})
	}
	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return a.push(node{kind: scalarNode, typ: v.Type(), scalar: reflect.Zero(v.Type())})
		}
		return a.add(v.Elem())
	case reflect.Pointer:
		if v.IsNil() {
			return a.push(node{kind: scalarNode, typ: v.Type(), scalar: v})
		}
		id := identity{ptr: v.Pointer(), typ: v.Type()}
		if a.active[id] {
			a.cycles++
			return a.push(node{kind: circularNode, typ: v.Type()})
		}
		a.active[id] = true
		child := a.add(v.Elem())
		delete(a.active, id)
		return a.push(node{kind: ptrNode, typ: v.Type(), children: []int{child}})
	case reflect.Map:
		if v.IsNil() {
			return a.push(node{kind: scalarNode, typ: v.Type(), scalar: v})
		}
		id := identity{ptr: v.Pointer(), typ: v.Type()}
		if a.active[id] {
			a.cycles++
			return a.push(node{kind: circularNode, typ: v.Type()})
		}
		a.active[id] = true
		keys := v.MapKeys()
		sortKeys(keys)
		children := make([]int, len(keys))
		for i, k := range keys {
			children[i] = a.add(v.MapIndex(k))
		}
		delete(a.active, id)
		return a.push(node{kind: mapNode, typ: v.Type(), keys: keys, children: children})
	case reflect.Slice:
		if v.IsNil() {
			return a.push(node{kind: scalarNode, typ: v.Type(), scalar: v})
		}
		id := identity{ptr: v.Pointer(), typ: v.Type(), len: v.Len()}
		if a.active[id] {
			a.cycles++
			return a.push(node{kind: circularNode, typ: v.Type()})
		}
		a.active[id] = true
		children := make([]int, v.Len())
		for i := range children {
			children[i] = a.add(v.Index(i))
		}
		delete(a.active, id)
		return a.push(node{kind: sliceNode, typ: v.Type(), children: children})
	case reflect.Array:
		children := make([]int, v.Len())
		for i := range children {
			children[i] = a.add(v.Index(i))
		}
		return a.push(node{kind: arrayNode, typ: v.Type(), children: children})
	case reflect.Struct:
		if !allExported(v.Type()) {
			return a.push(node{kind: scalarNode, typ: v.Type(), scalar: v})
		}
		children := make([]int, v.NumField())
		for i := range children {
			children[i] = a.add(v.Field(i))
		}
		return a.push(node{kind: structNode, typ: v.Type(), children: children})
	}
	return a.push(node{kind: scalarNode, typ: v.Type(), scalar: v})
}

// build materializes node i. A circular node yields an invalid value that
// the parent resolves with fit.
func (a *arena) build(i int) reflect.Value {
	n := a.nodes[i]
	switch n.kind {
	case scalarNode:
		return n.scalar
	case circularNode:
		return reflect.Value{}
	case ptrNode:
		p := reflect.New(n.typ.Elem())
		p.Elem().Set(a.fit(n.children[0], n.typ.Elem()))
		return p
	case mapNode:
		m := reflect.MakeMapWithSize(n.typ, len(n.keys))
		for j, k := range n.keys {
			m.SetMapIndex(k, a.fit(n.children[j], n.typ.Elem()))
		}
		return m
	case sliceNode:
		s := reflect.MakeSlice(n.typ, len(n.children), len(n.children))
		for j, c := range n.children {
			s.Index(j).Set(a.fit(c, n.typ.Elem()))
		}
		return s
	case arrayNode:
		arr := reflect.New(n.typ).Elem()
		for j, c := range n.children {
			arr.Index(j).Set(a.fit(c, n.typ.Elem()))
		}
		return arr
	case structNode:
		st := reflect.New(n.typ).Elem()
		for j, c := range n.children {
			st.Field(j).Set(a.fit(c, n.typ.Field(j).Type))
		}
		return st
	}
	return reflect.Value{}
}

// fit builds node i for a slot of type slot.
func (a *arena) fit(i int, slot reflect.Type) reflect.Value {
	v := a.build(i)
	if !v.IsValid() {
		if a.nodes[i].kind == circularNode {
			marker := reflect.ValueOf(CircularMarker)
			if marker.Type().AssignableTo(slot) {
				return marker
			}
		}
		return reflect.Zero(slot)
	}
	if !v.Type().AssignableTo(slot) {
		if v.Type().ConvertibleTo(slot) {
			return v.Convert(slot)
		}
		return reflect.Zero(slot)
	}
	return v
}

func sortKeys(keys []reflect.Value) {
	sort.Slice(keys, func(i, j int) bool {
		ki, kj := keys[i], keys[j]
		if ki.Kind() == reflect.String && kj.Kind() == reflect.String {
			return ki.String() < kj.String()
		}
		return fmt.Sprint(ki.Interface()) < fmt.Sprint(kj.Interface())
	})
}

func allExported(t reflect.Type) bool {
	for i := 0; i < t.NumField(); i++ {
		if !t.Field(i).IsExported() {
			return false
		}
	}
	return true
}
